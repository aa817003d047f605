// Package exchange declares the remote capabilities this process consumes.
// The exchange is the authority for what actually exists; implementations
// live in adapter and in test fakes.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Position is a point-in-time remote position. Size is signed: positive for
// long contracts, negative for short.
type Position struct {
	Contract string
	Size     decimal.Decimal
}

// Client reads and mutates remote exchange state. CancelOrder must be safe
// to call with ids that are already cancelled or never existed; callers treat
// that failure as expected and non-fatal.
type Client interface {
	ListPositions(ctx context.Context) ([]Position, error)
	CancelOrder(ctx context.Context, orderID string) error
	NormalizeContract(symbol string) string
}

// PriceSource supplies the current mark price used to measure price
// excursion against a position's risk reference.
type PriceSource interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
