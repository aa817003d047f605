package adapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/exitmanager"
	"tradeguard/ledger"
)

// ExecutorLedger is the slice of the local store the executor mutates after
// the remote order is placed.
type ExecutorLedger interface {
	ReducePosition(ctx context.Context, symbol string, side ledger.Side, exitQty decimal.Decimal, now time.Time) error
	AdvanceStop(ctx context.Context, symbol string, side ledger.Side, stop decimal.Decimal, now time.Time) error
}

// OrderPlacer places reduce-only orders; implemented by RestClient.
type OrderPlacer interface {
	NormalizeContract(symbol string) string
	PlaceReduceOrder(ctx context.Context, contract string, size decimal.Decimal) (string, error)
}

// LedgerExecutor is the production StageExecutor: it places a reduce-only
// order remotely, shrinks the local quantity, and after the first stage moves
// the stop to breakeven. The original stop survives in the execution history,
// which is where later-stage progress math recovers it from.
type LedgerExecutor struct {
	store  ExecutorLedger
	placer OrderPlacer
	now    func() time.Time
}

// NewLedgerExecutor wires the executor. now may be nil.
func NewLedgerExecutor(store ExecutorLedger, placer OrderPlacer, now func() time.Time) (*LedgerExecutor, error) {
	if store == nil {
		return nil, errors.New("ledger is required")
	}
	if placer == nil {
		return nil, errors.New("order placer is required")
	}
	if now == nil {
		now = time.Now
	}
	return &LedgerExecutor{store: store, placer: placer, now: now}, nil
}

// Execute performs one partial-exit stage. Only ever called under a held
// lease after the idempotency recheck.
func (e *LedgerExecutor) Execute(ctx context.Context, pos ledger.Position, stage exitmanager.StageConfig) (exitmanager.StageResult, error) {
	exitQty := pos.Quantity.Mul(stage.ExitFraction).Round(10)
	if exitQty.IsZero() {
		return exitmanager.StageResult{Success: false, Message: "exit quantity rounds to zero"}, nil
	}

	// Reduce orders are signed opposite to the position.
	size := exitQty.Neg()
	if pos.Side == ledger.SideShort {
		size = exitQty
	}

	contract := e.placer.NormalizeContract(pos.Symbol)
	orderID, err := e.placer.PlaceReduceOrder(ctx, contract, size)
	if err != nil {
		return exitmanager.StageResult{}, fmt.Errorf("place reduce order: %w", err)
	}

	now := e.now()
	if err := e.store.ReducePosition(ctx, pos.Symbol, pos.Side, exitQty, now); err != nil {
		// The remote order went through; the reconciler will converge the
		// local quantity on its next pass.
		log.Printf("ledger_reduce_failed symbol=%s side=%s order_id=%s error=%v", pos.Symbol, pos.Side, orderID, err)
		return exitmanager.StageResult{}, fmt.Errorf("reduce local position: %w", err)
	}

	if stage.Stage == 1 {
		if err := e.store.AdvanceStop(ctx, pos.Symbol, pos.Side, pos.EntryPrice, now); err != nil {
			log.Printf("stop_advance_failed symbol=%s side=%s error=%v", pos.Symbol, pos.Side, err)
		}
	}

	return exitmanager.StageResult{
		Success:   true,
		Message:   "order " + orderID,
		ExitedQty: decimal.NewNullDecimal(exitQty),
	}, nil
}
