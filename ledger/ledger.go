// Package ledger is the local source of truth: positions, conditional
// orders, staged-exit execution history, and the lease rows that arbitrate
// concurrent callers. All state lives in a single SQL Server instance.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position or conditional order.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PositionStatus is the lifecycle state of a local position record.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// OrderStatus is the lifecycle state of a conditional order record.
type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderCancelled OrderStatus = "cancelled"
	OrderFilled    OrderStatus = "filled"
)

// ExecutionStatus is the terminal state recorded for a staged action.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Position is the local belief about an open futures position.
type Position struct {
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	StopPrice  decimal.NullDecimal
	Status     PositionStatus
	UpdatedAt  time.Time
}

// ResourceKey returns the logical key that scopes leases and history for
// this position.
func (p Position) ResourceKey() string {
	return fmt.Sprintf("%s:%s", p.Symbol, p.Side)
}

// RiskReference returns the stop price used as the risk denominator for the
// progress metric. Positions without a usable stop are skipped by the
// coordinator, so the ok result is the gate, not a zero value.
func (p Position) RiskReference() (decimal.Decimal, bool) {
	if !p.StopPrice.Valid || p.StopPrice.Decimal.Equal(p.EntryPrice) {
		return decimal.Decimal{}, false
	}
	return p.StopPrice.Decimal, true
}

// ConditionalOrder is a locally tracked stop-loss or take-profit instruction.
type ConditionalOrder struct {
	OrderID      string
	Symbol       string
	Side         Side
	OrderType    string
	TriggerPrice decimal.Decimal
	Quantity     decimal.Decimal
	Status       OrderStatus
	UpdatedAt    time.Time
}

// ExecutionRecord is an immutable row describing one staged action. Rows are
// never updated after insertion; only status=completed rows count toward
// idempotency decisions.
type ExecutionRecord struct {
	ResourceKey  string
	Stage        int
	Status       ExecutionStatus
	TriggerPrice decimal.NullDecimal
	OriginalStop decimal.NullDecimal
	ExitedQty    decimal.NullDecimal
	Detail       string
	ExecutedAt   time.Time
}

// Lease is the store-backed mutual-exclusion record for one resource+stage.
type Lease struct {
	ResourceKey   string
	HolderID      string
	AcquiredAt    time.Time
	LastRefreshed time.Time
}
