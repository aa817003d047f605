// Package exitmanager coordinates staged partial-exit actions on open
// positions. Any number of independent callers (health-check loop, agent
// loop, overlapping processes) may invoke RunCheck for the same resource at
// the same time; the guard -> lease -> idempotency-recheck sequence is what
// makes the stage action execute at most once, not any single mechanism.
package exitmanager

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/ledger"
)

const (
	defaultLeaseTTL        = 30 * time.Second
	defaultDuplicateWindow = 30 * time.Second
	defaultStageTimeout    = 30 * time.Second
)

// Store is the slice of the ledger the coordinator needs.
type Store interface {
	OpenPositions(ctx context.Context) ([]ledger.Position, error)
	AcquireLease(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, resourceKey, holderID string) error
	StageCompleted(ctx context.Context, resourceKey string, stage int) (bool, error)
	CompletedWithin(ctx context.Context, resourceKey string, stage int, window time.Duration, now time.Time) (bool, error)
	OriginalStop(ctx context.Context, resourceKey string) (decimal.Decimal, bool, error)
	RecordExecution(ctx context.Context, rec ledger.ExecutionRecord) error
}

// StageResult is the executor's verdict on one stage action.
type StageResult struct {
	Success   bool
	Message   string
	ExitedQty decimal.NullDecimal
}

// StageExecutor performs the money-moving side effect of one stage. It is
// only ever invoked under a held lease after the permanent idempotency check
// has passed. Its result is recorded, never rolled back.
type StageExecutor interface {
	Execute(ctx context.Context, pos ledger.Position, stage StageConfig) (StageResult, error)
}

// StageConfig gates one step of the partial-exit workflow.
type StageConfig struct {
	Stage           int
	TriggerMultiple decimal.Decimal // multiple of initial risk that arms the stage
	ExitFraction    decimal.Decimal // fraction of the remaining quantity to exit
}

// DefaultStages exits half at 1R and half of the remainder at 2R.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{Stage: 1, TriggerMultiple: decimal.NewFromInt(1), ExitFraction: decimal.RequireFromString("0.5")},
		{Stage: 2, TriggerMultiple: decimal.NewFromInt(2), ExitFraction: decimal.RequireFromString("0.5")},
	}
}

// Config carries the coordinator's timing and identity parameters.
type Config struct {
	HolderID        string
	LeaseTTL        time.Duration
	DuplicateWindow time.Duration
	StageTimeout    time.Duration
	Stages          []StageConfig
}

// Clock provides time functions for deterministic tests.
type Clock struct {
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// Outcome classifies the evaluation result for one resource+stage.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeFailed           Outcome = "failed"
	OutcomeLockBusy         Outcome = "lock_busy"
	OutcomeRecentlyExecuted Outcome = "recently_executed"
	OutcomeAlreadyExecuted  Outcome = "already_executed"
	OutcomeNotTriggered     Outcome = "not_triggered"
	OutcomeNoRiskReference  Outcome = "no_risk_reference"
	OutcomeSkippedError     Outcome = "skipped_error"
)

// ResourceOutcome is one per-resource, per-stage line of a check report.
type ResourceOutcome struct {
	ResourceKey string
	Stage       int
	Outcome     Outcome
	Detail      string
}

// CheckReport aggregates one RunCheck pass.
type CheckReport struct {
	CallerID string
	Executed int
	Skipped  int
	Outcomes []ResourceOutcome
}

// progressMultiple measures how far price has moved in the position's favor,
// in units of the original risk (entry to stop distance). It must always be
// computed against the original stop; a stop already advanced by an earlier
// stage would silently deflate later-stage thresholds.
func progressMultiple(side ledger.Side, entry, originalStop, mark decimal.Decimal) (decimal.Decimal, bool) {
	risk := entry.Sub(originalStop).Abs()
	if risk.IsZero() {
		return decimal.Decimal{}, false
	}
	var excursion decimal.Decimal
	if side == ledger.SideLong {
		excursion = mark.Sub(entry)
	} else {
		excursion = entry.Sub(mark)
	}
	return excursion.Div(risk), true
}

// stageLeaseKey scopes the lease to one symbol:side:stage triple.
func stageLeaseKey(resourceKey string, stage int) string {
	return resourceKey + ":" + strconv.Itoa(stage)
}
