package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(newTestDB(t))
	if err != nil {
		t.Fatalf("construct store: %v", err)
	}
	return store
}

func mustDec(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", value, err)
	}
	return d
}

func TestLeaseExclusivityUnderConcurrentHolders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const holders = 8
	granted := make([]bool, holders)
	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.AcquireLease(ctx, "BTC:long:1", string(rune('a'+i)), 30*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			granted[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range granted {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestLeaseReentrantRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := store.AcquireLease(ctx, "BTC:long:1", "holder-a", 30*time.Second)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("re-entrant acquire %d denied", i)
		}
	}

	ok, err := store.AcquireLease(ctx, "BTC:long:1", "holder-b", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatalf("different holder must be denied while lease is live")
	}
}

func TestLeaseExpiryReclamation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "BTC:long:1", "holder-a", 200*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("initial acquire: ok=%v err=%v", ok, err)
	}

	time.Sleep(400 * time.Millisecond)

	ok, err = store.AcquireLease(ctx, "BTC:long:1", "holder-b", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if !ok {
		t.Fatalf("expired lease must be reclaimable by a new holder")
	}

	lease, found, err := store.ReadLease(ctx, "BTC:long:1")
	if err != nil || !found {
		t.Fatalf("read lease: found=%v err=%v", found, err)
	}
	if lease.HolderID != "holder-b" {
		t.Fatalf("expected holder-b, got %q", lease.HolderID)
	}
}

func TestReleaseOnlyRemovesOwnLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if ok, err := store.AcquireLease(ctx, "BTC:long:1", "holder-a", 30*time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	if err := store.ReleaseLease(ctx, "BTC:long:1", "holder-b"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if _, found, _ := store.ReadLease(ctx, "BTC:long:1"); !found {
		t.Fatalf("foreign release must not remove the lease")
	}

	if err := store.ReleaseLease(ctx, "BTC:long:1", "holder-a"); err != nil {
		t.Fatalf("own release: %v", err)
	}
	if _, found, _ := store.ReadLease(ctx, "BTC:long:1"); found {
		t.Fatalf("own release must remove the lease")
	}
}

func TestLeaseRefreshDeniedAfterReclaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	const ttlMs = int64(30_000)

	if ok, err := store.AcquireLease(ctx, "BTC:long:1", "holder-a", 30*time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := store.refreshLease(ctx, "BTC:long:1", "holder-a", ttlMs); err != nil || !ok {
		t.Fatalf("refresh of own live lease: ok=%v err=%v", ok, err)
	}

	// A rival's expiry sweep removes the row between the ownership read and
	// the refresh. The refresh must report the loss, not fabricate a grant.
	if _, err := store.db.ExecContext(ctx, `DELETE FROM dbo.tradeguard_leases WHERE resource_key = @p1`, "BTC:long:1"); err != nil {
		t.Fatalf("simulate rival sweep: %v", err)
	}
	if ok, err := store.refreshLease(ctx, "BTC:long:1", "holder-a", ttlMs); err != nil || ok {
		t.Fatalf("refresh after reclaim must be denied: ok=%v err=%v", ok, err)
	}

	// The rival then takes the lease; the original holder must stay locked
	// out on both the refresh and the full acquire path.
	if ok, err := store.AcquireLease(ctx, "BTC:long:1", "holder-b", 30*time.Second); err != nil || !ok {
		t.Fatalf("rival acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := store.refreshLease(ctx, "BTC:long:1", "holder-a", ttlMs); err != nil || ok {
		t.Fatalf("refresh against rival's lease must be denied: ok=%v err=%v", ok, err)
	}
	if ok, err := store.AcquireLease(ctx, "BTC:long:1", "holder-a", 30*time.Second); err != nil || ok {
		t.Fatalf("acquire against rival's live lease must be denied: ok=%v err=%v", ok, err)
	}

	// A stale own row never counts as refreshed either.
	if _, err := store.db.ExecContext(ctx, `UPDATE dbo.tradeguard_leases SET holder_id = @p1, last_refreshed = DATEADD(MILLISECOND, -60000, SYSUTCDATETIME()) WHERE resource_key = @p2`, "holder-a", "BTC:long:1"); err != nil {
		t.Fatalf("age lease row: %v", err)
	}
	if ok, err := store.refreshLease(ctx, "BTC:long:1", "holder-a", ttlMs); err != nil || ok {
		t.Fatalf("refresh of expired row must be denied: ok=%v err=%v", ok, err)
	}
}

func TestExecutionHistoryGates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if done, err := store.StageCompleted(ctx, "BTC:long", 1); err != nil || done {
		t.Fatalf("empty history: done=%v err=%v", done, err)
	}

	err := store.RecordExecution(ctx, ExecutionRecord{
		ResourceKey:  "BTC:long",
		Stage:        1,
		Status:       ExecutionCompleted,
		TriggerPrice: decimal.NewNullDecimal(mustDec(t, "110")),
		OriginalStop: decimal.NewNullDecimal(mustDec(t, "90")),
		ExitedQty:    decimal.NewNullDecimal(mustDec(t, "0.25")),
		ExecutedAt:   now,
	})
	if err != nil {
		t.Fatalf("record execution: %v", err)
	}

	if done, err := store.StageCompleted(ctx, "BTC:long", 1); err != nil || !done {
		t.Fatalf("stage 1 should be completed: done=%v err=%v", done, err)
	}
	if done, err := store.StageCompleted(ctx, "BTC:long", 2); err != nil || done {
		t.Fatalf("stage 2 should not be completed: done=%v err=%v", done, err)
	}

	if recent, err := store.CompletedWithin(ctx, "BTC:long", 1, 30*time.Second, now); err != nil || !recent {
		t.Fatalf("expected recent completion: recent=%v err=%v", recent, err)
	}
	if recent, err := store.CompletedWithin(ctx, "BTC:long", 1, 30*time.Second, now.Add(time.Minute)); err != nil || recent {
		t.Fatalf("expected completion outside window: recent=%v err=%v", recent, err)
	}

	// Failed rows never satisfy idempotency checks.
	err = store.RecordExecution(ctx, ExecutionRecord{
		ResourceKey: "BTC:long",
		Stage:       2,
		Status:      ExecutionFailed,
		Detail:      "exchange rejected",
		ExecutedAt:  now,
	})
	if err != nil {
		t.Fatalf("record failed execution: %v", err)
	}
	if done, err := store.StageCompleted(ctx, "BTC:long", 2); err != nil || done {
		t.Fatalf("failed row must not complete stage 2: done=%v err=%v", done, err)
	}

	stop, found, err := store.OriginalStop(ctx, "BTC:long")
	if err != nil || !found {
		t.Fatalf("original stop: found=%v err=%v", found, err)
	}
	if !stop.Equal(mustDec(t, "90")) {
		t.Fatalf("expected original stop 90, got %s", stop)
	}
}

func TestPositionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insert := Position{
		Symbol:     "BTC",
		Side:       SideLong,
		Quantity:   mustDec(t, "0.5"),
		EntryPrice: mustDec(t, "100"),
		StopPrice:  decimal.NewNullDecimal(mustDec(t, "90")),
	}
	if err := store.InsertPosition(ctx, insert, now); err != nil {
		t.Fatalf("insert position: %v", err)
	}

	positions, err := store.OpenPositions(ctx)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(positions))
	}
	got := positions[0]
	if !got.Quantity.Equal(mustDec(t, "0.5")) || got.Side != SideLong {
		t.Fatalf("unexpected position %+v", got)
	}
	if stop, ok := got.RiskReference(); !ok || !stop.Equal(mustDec(t, "90")) {
		t.Fatalf("unexpected risk reference %v ok=%v", stop, ok)
	}

	if err := store.ReducePosition(ctx, "BTC", SideLong, mustDec(t, "0.25"), now); err != nil {
		t.Fatalf("reduce position: %v", err)
	}
	if err := store.AdvanceStop(ctx, "BTC", SideLong, mustDec(t, "100"), now); err != nil {
		t.Fatalf("advance stop: %v", err)
	}

	got, found, err := store.LoadPosition(ctx, "BTC", SideLong)
	if err != nil || !found {
		t.Fatalf("load position: found=%v err=%v", found, err)
	}
	if !got.Quantity.Equal(mustDec(t, "0.25")) {
		t.Fatalf("expected reduced quantity 0.25, got %s", got.Quantity)
	}
	if _, ok := got.RiskReference(); ok {
		t.Fatalf("stop at entry must not be a usable risk reference")
	}

	if err := store.DeletePosition(ctx, "BTC", SideLong); err != nil {
		t.Fatalf("delete position: %v", err)
	}
	if _, found, _ := store.LoadPosition(ctx, "BTC", SideLong); found {
		t.Fatalf("expected position deleted")
	}
}

func TestConditionalOrderLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	order := ConditionalOrder{
		OrderID:      "ord-1",
		Symbol:       "BTC",
		Side:         SideLong,
		OrderType:    "stop_loss",
		TriggerPrice: mustDec(t, "90"),
		Quantity:     mustDec(t, "0.5"),
	}
	if err := store.InsertOrder(ctx, order, now); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	orders, err := store.ActiveOrdersFor(ctx, "BTC", SideLong)
	if err != nil {
		t.Fatalf("active orders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "ord-1" {
		t.Fatalf("unexpected orders %+v", orders)
	}

	if err := store.MarkOrderCancelled(ctx, "ord-1", now); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	orders, err = store.ActiveOrders(ctx)
	if err != nil {
		t.Fatalf("active orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no active orders, got %+v", orders)
	}
}
