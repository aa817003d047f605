package reconciler

import (
	"context"
	"errors"
	"log"
	"time"

	"tradeguard/exchange"
	"tradeguard/ledger"
	"tradeguard/obs"
)

// RepairOutcome counts what one repair run did.
type RepairOutcome struct {
	Repaired int
	Warned   int
	Errors   int
}

// Repairer applies corrective mutations per divergence kind. Every remedy is
// idempotent: re-running on an already-repaired state finds nothing to do.
type Repairer struct {
	local   Ledger
	remote  exchange.Client
	clock   Clock
	metrics *obs.Metrics
}

// NewRepairer constructs the repair engine. Metrics may be nil.
func NewRepairer(local Ledger, remote exchange.Client, clock Clock, metrics *obs.Metrics) (*Repairer, error) {
	if local == nil {
		return nil, errors.New("local ledger is required")
	}
	if remote == nil {
		return nil, errors.New("remote client is required")
	}
	if clock.Now == nil {
		clock.Now = time.Now
	}
	if clock.After == nil {
		clock.After = time.After
	}
	return &Repairer{local: local, remote: remote, clock: clock, metrics: metrics}, nil
}

// Repair walks the divergence set and applies the remedy for each kind.
// A failure on one divergence never blocks the rest.
func (r *Repairer) Repair(ctx context.Context, divergences []Divergence) RepairOutcome {
	if ctx == nil {
		ctx = context.Background()
	}
	var outcome RepairOutcome
	for _, div := range divergences {
		switch div.Kind {
		case DivergenceOrphanPosition, DivergenceStaleArtifact:
			err := r.removePosition(ctx, div.Position, string(div.Kind))
			r.metrics.Repair(string(div.Kind), err)
			if err != nil {
				outcome.Errors++
			} else {
				outcome.Repaired++
			}

		case DivergenceOrphanOrder:
			err := r.cancelOrder(ctx, div.Order)
			r.metrics.Repair(string(div.Kind), err)
			if err != nil {
				outcome.Errors++
			} else {
				outcome.Repaired++
			}

		case DivergenceQuantityMismatch:
			// Could be a partial fill, manual intervention, or a bug. Deleting
			// or resizing here would hide whichever one it was.
			log.Printf("reconcile_warn kind=quantity_mismatch symbol=%s side=%s local_qty=%s remote_size=%s action=manual_review",
				div.Position.Symbol, div.Position.Side, div.Position.Quantity.String(), div.RemoteSize.String())
			r.metrics.Repair(string(div.Kind), nil)
			outcome.Warned++

		case DivergenceMissingLocal:
			log.Printf("reconcile_warn kind=missing_local contract=%s remote_size=%s action=manual_review",
				div.Contract, div.RemoteSize.String())
			r.metrics.Repair(string(div.Kind), nil)
			outcome.Warned++
		}
	}
	return outcome
}

// removePosition deletes the local record, then cancels every locally
// tracked active conditional order for the same symbol+side. Remote
// cancellation failures are expected when the order is already gone; the
// local status flips to cancelled regardless.
func (r *Repairer) removePosition(ctx context.Context, pos ledger.Position, kind string) error {
	if err := r.local.DeletePosition(ctx, pos.Symbol, pos.Side); err != nil {
		log.Printf("repair_failed kind=%s symbol=%s side=%s error=%v", kind, pos.Symbol, pos.Side, err)
		return err
	}
	log.Printf("position_removed kind=%s symbol=%s side=%s local_qty=%s", kind, pos.Symbol, pos.Side, pos.Quantity.String())

	orders, err := r.local.ActiveOrdersFor(ctx, pos.Symbol, pos.Side)
	if err != nil {
		log.Printf("repair_orders_lookup_failed symbol=%s side=%s error=%v", pos.Symbol, pos.Side, err)
		return err
	}
	for _, order := range orders {
		if err := r.cancelOrder(ctx, order); err != nil {
			return err
		}
	}
	return nil
}

// cancelOrder attempts remote cancellation first, then marks the local
// record cancelled even when the remote call fails.
func (r *Repairer) cancelOrder(ctx context.Context, order ledger.ConditionalOrder) error {
	if err := r.remote.CancelOrder(ctx, order.OrderID); err != nil {
		log.Printf("remote_cancel_failed order_id=%s symbol=%s side=%s error=%v", order.OrderID, order.Symbol, order.Side, err)
	}
	if err := r.local.MarkOrderCancelled(ctx, order.OrderID, r.clock.Now()); err != nil {
		log.Printf("order_cancel_mark_failed order_id=%s error=%v", order.OrderID, err)
		return err
	}
	log.Printf("order_cancelled order_id=%s symbol=%s side=%s", order.OrderID, order.Symbol, order.Side)
	return nil
}
