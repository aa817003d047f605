package exitmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/exchange"
	"tradeguard/ledger"
	"tradeguard/obs"
)

// Manager evaluates every open position against the configured exit stages
// and executes the ones that are due, at most once each.
type Manager struct {
	store   Store
	exec    StageExecutor
	prices  exchange.PriceSource
	clock   Clock
	cfg     Config
	metrics *obs.Metrics
}

// NewManager constructs the coordinator. Metrics may be nil.
func NewManager(store Store, exec StageExecutor, prices exchange.PriceSource, clock Clock, cfg Config, metrics *obs.Metrics) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if prices == nil {
		return nil, errors.New("price source is required")
	}
	if clock.Now == nil {
		clock.Now = time.Now
	}
	if clock.After == nil {
		clock.After = time.After
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = defaultDuplicateWindow
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultStages()
	}
	// Stages fire in ascending order regardless of how they were configured.
	sort.Slice(cfg.Stages, func(i, j int) bool { return cfg.Stages[i].Stage < cfg.Stages[j].Stage })
	return &Manager{
		store:   store,
		exec:    exec,
		prices:  prices,
		clock:   clock,
		cfg:     cfg,
		metrics: metrics,
	}, nil
}

// RunCheck performs one evaluation pass over every open position. A failure
// on one resource never aborts the others; the pass itself only errors when
// the position listing is unavailable.
func (m *Manager) RunCheck(ctx context.Context, callerID string) (CheckReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if callerID == "" {
		callerID = m.cfg.HolderID
	}
	report := CheckReport{CallerID: callerID}

	positions, err := m.store.OpenPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("list open positions: %w", err)
	}

	for _, pos := range positions {
		if pos.Quantity.IsZero() {
			continue
		}
		outcomes := m.evaluatePosition(ctx, callerID, pos)
		for _, outcome := range outcomes {
			if outcome.Outcome == OutcomeSuccess {
				report.Executed++
			} else {
				report.Skipped++
			}
			if m.metrics != nil {
				m.metrics.StageOutcome(string(outcome.Outcome))
			}
		}
		report.Outcomes = append(report.Outcomes, outcomes...)
	}
	return report, nil
}

// evaluatePosition walks the stages for one resource in ascending order.
// A panic anywhere in the evaluation is confined to this resource.
func (m *Manager) evaluatePosition(ctx context.Context, callerID string, pos ledger.Position) (outcomes []ResourceOutcome) {
	resourceKey := pos.ResourceKey()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("stage_check_panic resource_key=%s caller_id=%s panic=%v", resourceKey, callerID, r)
			outcomes = append(outcomes, ResourceOutcome{
				ResourceKey: resourceKey,
				Outcome:     OutcomeSkippedError,
				Detail:      fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	originalStop, ok, err := m.originalStop(ctx, pos)
	if err != nil {
		outcomes = append(outcomes, ResourceOutcome{ResourceKey: resourceKey, Outcome: OutcomeSkippedError, Detail: err.Error()})
		return outcomes
	}
	if !ok {
		outcomes = append(outcomes, ResourceOutcome{ResourceKey: resourceKey, Outcome: OutcomeNoRiskReference})
		return outcomes
	}

	mark, err := m.prices.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		log.Printf("mark_price_failed resource_key=%s error=%v", resourceKey, err)
		outcomes = append(outcomes, ResourceOutcome{ResourceKey: resourceKey, Outcome: OutcomeSkippedError, Detail: err.Error()})
		return outcomes
	}

	multiple, ok := progressMultiple(pos.Side, pos.EntryPrice, originalStop, mark)
	if !ok {
		outcomes = append(outcomes, ResourceOutcome{ResourceKey: resourceKey, Outcome: OutcomeNoRiskReference})
		return outcomes
	}

	for _, stage := range m.cfg.Stages {
		if multiple.LessThan(stage.TriggerMultiple) {
			continue
		}
		outcome, exited := m.runStage(ctx, callerID, pos, stage, originalStop, mark)
		outcomes = append(outcomes, outcome)
		// Later stages exit a fraction of the remainder, so the quantity a
		// stage actually took out must be applied before the next stage sees
		// the position. Without this, stage thresholds crossed in a single
		// pass would all slice the original quantity. exited is only valid
		// when the executor really exited, so it covers the case where the
		// exit succeeded but the history insert did not.
		if exited.Valid {
			pos.Quantity = pos.Quantity.Sub(exited.Decimal)
			if pos.Quantity.Sign() <= 0 {
				break
			}
		}
	}
	if len(outcomes) == 0 {
		outcomes = append(outcomes, ResourceOutcome{ResourceKey: resourceKey, Outcome: OutcomeNotTriggered})
	}
	return outcomes
}

// originalStop recovers the risk reference for the progress metric: the stop
// recorded by the earliest completed stage when one exists, otherwise the
// position's current stop.
func (m *Manager) originalStop(ctx context.Context, pos ledger.Position) (decimal.Decimal, bool, error) {
	stop, found, err := m.store.OriginalStop(ctx, pos.ResourceKey())
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("recover original stop: %w", err)
	}
	if found {
		return stop, true, nil
	}
	current, ok := pos.RiskReference()
	return current, ok, nil
}

// runStage is the at-most-once core: recency guard before the lease as a
// cheap early exit, permanent history check under the lease as the
// authoritative gate, guaranteed release on every path out.
func (m *Manager) runStage(ctx context.Context, callerID string, pos ledger.Position, stage StageConfig, originalStop, mark decimal.Decimal) (ResourceOutcome, decimal.NullDecimal) {
	resourceKey := pos.ResourceKey()
	outcome := ResourceOutcome{ResourceKey: resourceKey, Stage: stage.Stage}
	now := m.clock.Now()

	recent, err := m.store.CompletedWithin(ctx, resourceKey, stage.Stage, m.cfg.DuplicateWindow, now)
	if err != nil {
		outcome.Outcome = OutcomeSkippedError
		outcome.Detail = err.Error()
		return outcome, decimal.NullDecimal{}
	}
	if recent {
		outcome.Outcome = OutcomeRecentlyExecuted
		return outcome, decimal.NullDecimal{}
	}

	leaseKey := stageLeaseKey(resourceKey, stage.Stage)
	granted, err := m.store.AcquireLease(ctx, leaseKey, callerID, m.cfg.LeaseTTL)
	if err != nil {
		outcome.Outcome = OutcomeSkippedError
		outcome.Detail = err.Error()
		return outcome, decimal.NullDecimal{}
	}
	if m.metrics != nil {
		m.metrics.LeaseAcquire(granted)
	}
	if !granted {
		outcome.Outcome = OutcomeLockBusy
		return outcome, decimal.NullDecimal{}
	}
	defer func() {
		if err := m.store.ReleaseLease(ctx, leaseKey, callerID); err != nil {
			// The TTL reclaims the lease if this delete is lost.
			log.Printf("lease_release_failed resource_key=%s holder_id=%s error=%v", leaseKey, callerID, err)
		}
	}()

	done, err := m.store.StageCompleted(ctx, resourceKey, stage.Stage)
	if err != nil {
		outcome.Outcome = OutcomeSkippedError
		outcome.Detail = err.Error()
		return outcome, decimal.NullDecimal{}
	}
	if done {
		outcome.Outcome = OutcomeAlreadyExecuted
		return outcome, decimal.NullDecimal{}
	}

	execCtx, cancel := context.WithTimeout(ctx, m.cfg.StageTimeout)
	result, execErr := m.exec.Execute(execCtx, pos, stage)
	cancel()

	rec := ledger.ExecutionRecord{
		ResourceKey:  resourceKey,
		Stage:        stage.Stage,
		TriggerPrice: decimal.NewNullDecimal(mark),
		OriginalStop: decimal.NewNullDecimal(originalStop),
		ExitedQty:    result.ExitedQty,
		ExecutedAt:   m.clock.Now(),
	}
	if execErr != nil || !result.Success {
		outcome.Outcome = OutcomeFailed
		if execErr != nil {
			outcome.Detail = execErr.Error()
		} else {
			outcome.Detail = result.Message
		}
		rec.Status = ledger.ExecutionFailed
		rec.Detail = outcome.Detail
		log.Printf("stage_failed resource_key=%s stage=%d caller_id=%s detail=%q", resourceKey, stage.Stage, callerID, outcome.Detail)
		if err := m.store.RecordExecution(ctx, rec); err != nil {
			log.Printf("history_insert_failed resource_key=%s stage=%d error=%v", resourceKey, stage.Stage, err)
		}
		return outcome, decimal.NullDecimal{}
	}

	rec.Status = ledger.ExecutionCompleted
	rec.Detail = result.Message
	if err := m.store.RecordExecution(ctx, rec); err != nil {
		// The action happened; losing the history row risks a duplicate on the
		// next pass, so surface it loudly.
		outcome.Outcome = OutcomeFailed
		outcome.Detail = fmt.Sprintf("record execution: %v", err)
		log.Printf("history_insert_failed resource_key=%s stage=%d error=%v", resourceKey, stage.Stage, err)
		return outcome, result.ExitedQty
	}

	outcome.Outcome = OutcomeSuccess
	log.Printf("stage_executed resource_key=%s stage=%d caller_id=%s trigger_price=%s", resourceKey, stage.Stage, callerID, mark.String())
	return outcome, result.ExitedQty
}
