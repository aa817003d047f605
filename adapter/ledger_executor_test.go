package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/exitmanager"
	"tradeguard/ledger"
)

type fakeExecutorLedger struct {
	reduced    []decimal.Decimal
	reduceErr  error
	advancedTo []decimal.Decimal
	advanceErr error
	lastSymbol string
	lastSide   ledger.Side
}

func (f *fakeExecutorLedger) ReducePosition(ctx context.Context, symbol string, side ledger.Side, exitQty decimal.Decimal, now time.Time) error {
	f.lastSymbol = symbol
	f.lastSide = side
	if f.reduceErr != nil {
		return f.reduceErr
	}
	f.reduced = append(f.reduced, exitQty)
	return nil
}

func (f *fakeExecutorLedger) AdvanceStop(ctx context.Context, symbol string, side ledger.Side, stop decimal.Decimal, now time.Time) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.advancedTo = append(f.advancedTo, stop)
	return nil
}

type fakePlacer struct {
	placedContract string
	placedSize     decimal.Decimal
	placeErr       error
}

func (f *fakePlacer) NormalizeContract(symbol string) string {
	return symbol + "_USDT"
}

func (f *fakePlacer) PlaceReduceOrder(ctx context.Context, contract string, size decimal.Decimal) (string, error) {
	f.placedContract = contract
	f.placedSize = size
	if f.placeErr != nil {
		return "", f.placeErr
	}
	return "ord-1", nil
}

func testPosition(side ledger.Side) ledger.Position {
	return ledger.Position{
		Symbol:     "BTC",
		Side:       side,
		Quantity:   decimal.RequireFromString("2"),
		EntryPrice: decimal.RequireFromString("100"),
		StopPrice:  decimal.NewNullDecimal(decimal.RequireFromString("90")),
		Status:     ledger.PositionOpen,
	}
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestExecuteLongPlacesNegativeReduce(t *testing.T) {
	store := &fakeExecutorLedger{}
	placer := &fakePlacer{}
	exec, err := NewLedgerExecutor(store, placer, fixedNow)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	stage := exitmanager.StageConfig{Stage: 2, TriggerMultiple: decimal.RequireFromString("2"), ExitFraction: decimal.RequireFromString("0.5")}
	result, err := exec.Execute(context.Background(), testPosition(ledger.SideLong), stage)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Message != "order ord-1" {
		t.Fatalf("expected order id in message, got %q", result.Message)
	}
	if !result.ExitedQty.Valid || !result.ExitedQty.Decimal.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("expected exited qty 1, got %+v", result.ExitedQty)
	}

	if placer.placedContract != "BTC_USDT" {
		t.Fatalf("expected contract BTC_USDT, got %q", placer.placedContract)
	}
	if !placer.placedSize.Equal(decimal.RequireFromString("-1")) {
		t.Fatalf("expected reduce size -1 for long, got %s", placer.placedSize)
	}
	if len(store.reduced) != 1 || !store.reduced[0].Equal(decimal.RequireFromString("1")) {
		t.Fatalf("expected one local reduction of 1, got %v", store.reduced)
	}
	if len(store.advancedTo) != 0 {
		t.Fatalf("stage 2 must not move the stop, got %v", store.advancedTo)
	}
}

func TestExecuteShortPlacesPositiveReduce(t *testing.T) {
	store := &fakeExecutorLedger{}
	placer := &fakePlacer{}
	exec, err := NewLedgerExecutor(store, placer, fixedNow)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	stage := exitmanager.StageConfig{Stage: 2, TriggerMultiple: decimal.RequireFromString("2"), ExitFraction: decimal.RequireFromString("0.5")}
	if _, err := exec.Execute(context.Background(), testPosition(ledger.SideShort), stage); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !placer.placedSize.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("expected reduce size 1 for short, got %s", placer.placedSize)
	}
}

func TestExecuteStageOneAdvancesStopToEntry(t *testing.T) {
	store := &fakeExecutorLedger{}
	placer := &fakePlacer{}
	exec, err := NewLedgerExecutor(store, placer, fixedNow)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	stage := exitmanager.StageConfig{Stage: 1, TriggerMultiple: decimal.RequireFromString("1"), ExitFraction: decimal.RequireFromString("0.5")}
	result, err := exec.Execute(context.Background(), testPosition(ledger.SideLong), stage)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(store.advancedTo) != 1 || !store.advancedTo[0].Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected stop advanced to entry 100, got %v", store.advancedTo)
	}
}

func TestExecuteStopAdvanceFailureStillSucceeds(t *testing.T) {
	store := &fakeExecutorLedger{advanceErr: errors.New("boom")}
	placer := &fakePlacer{}
	exec, err := NewLedgerExecutor(store, placer, fixedNow)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	stage := exitmanager.StageConfig{Stage: 1, TriggerMultiple: decimal.RequireFromString("1"), ExitFraction: decimal.RequireFromString("0.5")}
	result, err := exec.Execute(context.Background(), testPosition(ledger.SideLong), stage)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !result.Success {
		t.Fatalf("stop advance failure must not fail the stage, got %+v", result)
	}
}

func TestExecuteZeroExitQuantity(t *testing.T) {
	store := &fakeExecutorLedger{}
	placer := &fakePlacer{}
	exec, err := NewLedgerExecutor(store, placer, fixedNow)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	pos := testPosition(ledger.SideLong)
	pos.Quantity = decimal.Zero
	stage := exitmanager.StageConfig{Stage: 1, TriggerMultiple: decimal.RequireFromString("1"), ExitFraction: decimal.RequireFromString("0.5")}
	result, err := exec.Execute(context.Background(), pos, stage)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure for zero exit quantity")
	}
	if placer.placedContract != "" {
		t.Fatalf("no order should be placed for zero quantity")
	}
}

func TestExecutePlacerFailureDoesNotTouchLedger(t *testing.T) {
	store := &fakeExecutorLedger{}
	placer := &fakePlacer{placeErr: errors.New("exchange down")}
	exec, err := NewLedgerExecutor(store, placer, fixedNow)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	stage := exitmanager.StageConfig{Stage: 1, TriggerMultiple: decimal.RequireFromString("1"), ExitFraction: decimal.RequireFromString("0.5")}
	if _, err := exec.Execute(context.Background(), testPosition(ledger.SideLong), stage); err == nil {
		t.Fatalf("expected error when order placement fails")
	}
	if len(store.reduced) != 0 {
		t.Fatalf("local position must be untouched on placement failure, got %v", store.reduced)
	}
	if len(store.advancedTo) != 0 {
		t.Fatalf("stop must be untouched on placement failure, got %v", store.advancedTo)
	}
}

func TestExecuteReduceFailureReturnsError(t *testing.T) {
	store := &fakeExecutorLedger{reduceErr: errors.New("db gone")}
	placer := &fakePlacer{}
	exec, err := NewLedgerExecutor(store, placer, fixedNow)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	stage := exitmanager.StageConfig{Stage: 1, TriggerMultiple: decimal.RequireFromString("1"), ExitFraction: decimal.RequireFromString("0.5")}
	if _, err := exec.Execute(context.Background(), testPosition(ledger.SideLong), stage); err == nil {
		t.Fatalf("expected error when local reduction fails")
	}
}
