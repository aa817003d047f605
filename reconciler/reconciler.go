// Package reconciler periodically diffs the local ledger against the
// exchange's authoritative state, classifies every divergence, and applies
// the repairs that are safe to automate. Ambiguous divergences are surfaced
// for manual handling, never silently resolved.
package reconciler

import (
	"context"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/ledger"
)

const (
	defaultInterval = 15 * time.Minute
	defaultEpsilon  = "0.0001"
)

// Test artifacts are recognized by name alone, independent of remote state.
var defaultTestPattern = regexp.MustCompile(`(?i)(^TEST[_-]|[_-]TEST$)`)

// Ledger is the slice of the local store the reconciler needs.
type Ledger interface {
	OpenPositions(ctx context.Context) ([]ledger.Position, error)
	DeletePosition(ctx context.Context, symbol string, side ledger.Side) error
	ActiveOrders(ctx context.Context) ([]ledger.ConditionalOrder, error)
	ActiveOrdersFor(ctx context.Context, symbol string, side ledger.Side) ([]ledger.ConditionalOrder, error)
	MarkOrderCancelled(ctx context.Context, orderID string, now time.Time) error
}

// DivergenceKind classifies one local/remote mismatch.
type DivergenceKind string

const (
	// DivergenceOrphanPosition: local record exists, remote size is zero.
	DivergenceOrphanPosition DivergenceKind = "orphan_position"
	// DivergenceQuantityMismatch: remote size is nonzero but differs from the
	// local quantity beyond epsilon. Ambiguous; warn-only.
	DivergenceQuantityMismatch DivergenceKind = "quantity_mismatch"
	// DivergenceStaleArtifact: the symbol matches the test-data pattern.
	DivergenceStaleArtifact DivergenceKind = "stale_artifact"
	// DivergenceOrphanOrder: an active conditional order whose owning
	// position no longer exists locally.
	DivergenceOrphanOrder DivergenceKind = "orphan_order"
	// DivergenceMissingLocal: a remote position with no local record.
	// Warn-only; synthesizing a local position top-down can hide real
	// risk-management mistakes made outside this process.
	DivergenceMissingLocal DivergenceKind = "missing_local"
)

// Divergence is computed fresh each pass and never persisted.
type Divergence struct {
	Kind       DivergenceKind
	Position   ledger.Position
	Order      ledger.ConditionalOrder
	Contract   string
	RemoteSize decimal.Decimal
}

// Summary counts what one pass found and what the repair engine did.
type Summary struct {
	StartedAt       time.Time
	Duration        time.Duration
	LocalPositions  int
	RemotePositions int
	Divergences     map[DivergenceKind]int
	Repaired        int
	Warned          int
	RepairErrors    int
}

// Clock provides time functions for deterministic tests.
type Clock struct {
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}
