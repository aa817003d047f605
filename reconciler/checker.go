package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/exchange"
	"tradeguard/ledger"
	"tradeguard/obs"
)

// ErrPassInProgress is returned when RunOnce is invoked while an earlier
// pass is still active. The caller skips the tick; passes never queue or
// overlap.
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// CheckerConfig carries the reconciler's timing and tolerance parameters.
type CheckerConfig struct {
	Interval    time.Duration
	Epsilon     decimal.Decimal
	TestPattern *regexp.Regexp
}

// Checker runs the periodic reconciliation passes.
type Checker struct {
	local    Ledger
	remote   exchange.Client
	repairer *Repairer
	clock    Clock
	cfg      CheckerConfig
	metrics  *obs.Metrics

	inProgress atomic.Bool
}

// NewChecker constructs the checker. Metrics may be nil.
func NewChecker(local Ledger, remote exchange.Client, repairer *Repairer, clock Clock, cfg CheckerConfig, metrics *obs.Metrics) (*Checker, error) {
	if local == nil {
		return nil, errors.New("local ledger is required")
	}
	if remote == nil {
		return nil, errors.New("remote client is required")
	}
	if repairer == nil {
		return nil, errors.New("repairer is required")
	}
	if clock.Now == nil {
		clock.Now = time.Now
	}
	if clock.After == nil {
		clock.After = time.After
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Epsilon.IsZero() {
		cfg.Epsilon = decimal.RequireFromString(defaultEpsilon)
	}
	if cfg.TestPattern == nil {
		cfg.TestPattern = defaultTestPattern
	}
	return &Checker{
		local:    local,
		remote:   remote,
		repairer: repairer,
		clock:    clock,
		cfg:      cfg,
		metrics:  metrics,
	}, nil
}

// Run executes an immediate first pass and then one pass per interval until
// ctx is cancelled. A pass still running when the next tick fires causes the
// tick to be skipped. Cancellation stops future ticks; a pass in progress is
// allowed to complete.
func (c *Checker) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.runGuarded(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.Interval):
			c.runGuarded(ctx)
		}
	}
}

func (c *Checker) runGuarded(ctx context.Context) {
	if _, err := c.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrPassInProgress) {
			log.Printf("reconcile_tick_skipped reason=pass_in_progress")
			c.metrics.ReconcilePass("skipped")
			return
		}
		log.Printf("reconcile_pass_failed error=%v", err)
		c.metrics.ReconcilePass("error")
	}
}

// RunOnce performs a single reconciliation pass: fetch both sides, classify,
// repair, summarize. Safe to call directly from tests or an external driver.
func (c *Checker) RunOnce(ctx context.Context) (Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.inProgress.CompareAndSwap(false, true) {
		return Summary{}, ErrPassInProgress
	}
	defer c.inProgress.Store(false)

	start := c.clock.Now()
	summary := Summary{
		StartedAt:   start,
		Divergences: make(map[DivergenceKind]int),
	}

	remotePositions, err := c.remote.ListPositions(ctx)
	if err != nil {
		return summary, fmt.Errorf("list remote positions: %w", err)
	}
	localPositions, err := c.local.OpenPositions(ctx)
	if err != nil {
		return summary, fmt.Errorf("list local positions: %w", err)
	}
	activeOrders, err := c.local.ActiveOrders(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active orders: %w", err)
	}
	summary.LocalPositions = len(localPositions)
	summary.RemotePositions = len(remotePositions)

	divergences := c.classify(localPositions, remotePositions, activeOrders)
	for _, div := range divergences {
		summary.Divergences[div.Kind]++
		c.metrics.Divergence(string(div.Kind))
	}

	if len(divergences) == 0 {
		summary.Duration = c.clock.Now().Sub(start)
		c.metrics.ReconcilePass("clean")
		c.metrics.ObservePass("reconcile", summary.Duration)
		log.Printf("reconcile_pass_clean local_positions=%d remote_positions=%d duration=%s",
			summary.LocalPositions, summary.RemotePositions, summary.Duration)
		return summary, nil
	}

	repaired := c.repairer.Repair(ctx, divergences)
	summary.Repaired = repaired.Repaired
	summary.Warned = repaired.Warned
	summary.RepairErrors = repaired.Errors

	summary.Duration = c.clock.Now().Sub(start)
	c.metrics.ReconcilePass("repaired")
	c.metrics.ObservePass("reconcile", summary.Duration)
	log.Printf("reconcile_pass_done local_positions=%d remote_positions=%d orphan_positions=%d quantity_mismatches=%d stale_artifacts=%d orphan_orders=%d missing_local=%d repaired=%d warned=%d repair_errors=%d duration=%s",
		summary.LocalPositions,
		summary.RemotePositions,
		summary.Divergences[DivergenceOrphanPosition],
		summary.Divergences[DivergenceQuantityMismatch],
		summary.Divergences[DivergenceStaleArtifact],
		summary.Divergences[DivergenceOrphanOrder],
		summary.Divergences[DivergenceMissingLocal],
		summary.Repaired,
		summary.Warned,
		summary.RepairErrors,
		summary.Duration,
	)
	return summary, nil
}

// classify computes the divergence set for one pass. The test-artifact check
// runs first and is independent of remote state.
func (c *Checker) classify(localPositions []ledger.Position, remotePositions []exchange.Position, activeOrders []ledger.ConditionalOrder) []Divergence {
	remoteBySize := make(map[string]decimal.Decimal, len(remotePositions))
	for _, pos := range remotePositions {
		remoteBySize[pos.Contract] = pos.Size
	}

	var divergences []Divergence
	coveredContracts := make(map[string]bool, len(localPositions))
	localByKey := make(map[string]bool, len(localPositions))

	for _, pos := range localPositions {
		localByKey[pos.ResourceKey()] = true
		contract := c.remote.NormalizeContract(pos.Symbol)
		coveredContracts[contract] = true

		if c.cfg.TestPattern.MatchString(pos.Symbol) {
			divergences = append(divergences, Divergence{
				Kind:       DivergenceStaleArtifact,
				Position:   pos,
				Contract:   contract,
				RemoteSize: remoteBySize[contract],
			})
			continue
		}

		remoteSize := remoteBySize[contract]
		expected := pos.Quantity
		if pos.Side == ledger.SideShort {
			expected = pos.Quantity.Neg()
		}
		switch {
		case remoteSize.IsZero():
			divergences = append(divergences, Divergence{
				Kind:     DivergenceOrphanPosition,
				Position: pos,
				Contract: contract,
			})
		case remoteSize.Sub(expected).Abs().GreaterThan(c.cfg.Epsilon):
			divergences = append(divergences, Divergence{
				Kind:       DivergenceQuantityMismatch,
				Position:   pos,
				Contract:   contract,
				RemoteSize: remoteSize,
			})
		}
	}

	for _, pos := range remotePositions {
		if pos.Size.Abs().LessThanOrEqual(c.cfg.Epsilon) {
			continue
		}
		if coveredContracts[pos.Contract] {
			continue
		}
		divergences = append(divergences, Divergence{
			Kind:       DivergenceMissingLocal,
			Contract:   pos.Contract,
			RemoteSize: pos.Size,
		})
	}

	for _, order := range activeOrders {
		key := fmt.Sprintf("%s:%s", order.Symbol, order.Side)
		if localByKey[key] {
			continue
		}
		divergences = append(divergences, Divergence{
			Kind:  DivergenceOrphanOrder,
			Order: order,
		})
	}

	return divergences
}
