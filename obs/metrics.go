// Package obs exposes prometheus metrics for the coordinator and the
// reconciler. All recording methods are nil-receiver safe so components can
// run without metrics in tests.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	stageOutcomes   *prometheus.CounterVec // outcome=success|failed|lock_busy|...
	leaseAcquires   *prometheus.CounterVec // result=granted|denied
	divergences     *prometheus.CounterVec // kind=orphan_position|quantity_mismatch|...
	repairs         *prometheus.CounterVec // action, result=ok|error
	reconcilePasses *prometheus.CounterVec // result=clean|repaired|error|skipped
	passDuration    *prometheus.HistogramVec
}

// NewMetrics builds and registers the metric set on reg. Pass
// prometheus.DefaultRegisterer in main.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_stage_outcomes_total",
				Help: "Staged-exit evaluation outcomes per resource+stage",
			},
			[]string{"outcome"},
		),
		leaseAcquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_lease_acquire_total",
				Help: "Lease acquisition attempts by result",
			},
			[]string{"result"},
		),
		divergences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_divergences_total",
				Help: "Divergences detected per reconciliation pass, by kind",
			},
			[]string{"kind"},
		),
		repairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_repairs_total",
				Help: "Repair actions applied, by action and result",
			},
			[]string{"action", "result"},
		),
		reconcilePasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_reconcile_passes_total",
				Help: "Reconciliation passes by result",
			},
			[]string{"result"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradeguard_pass_duration_seconds",
				Help:    "Duration of coordinator and reconciler passes",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"pass"},
		),
	}
	reg.MustRegister(
		m.stageOutcomes,
		m.leaseAcquires,
		m.divergences,
		m.repairs,
		m.reconcilePasses,
		m.passDuration,
	)
	return m
}

func (m *Metrics) StageOutcome(outcome string) {
	if m == nil {
		return
	}
	m.stageOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LeaseAcquire(granted bool) {
	if m == nil {
		return
	}
	result := "denied"
	if granted {
		result = "granted"
	}
	m.leaseAcquires.WithLabelValues(result).Inc()
}

func (m *Metrics) Divergence(kind string) {
	if m == nil {
		return
	}
	m.divergences.WithLabelValues(kind).Inc()
}

func (m *Metrics) Repair(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.repairs.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ReconcilePass(result string) {
	if m == nil {
		return
	}
	m.reconcilePasses.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePass(pass string, d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(pass).Observe(d.Seconds())
}
