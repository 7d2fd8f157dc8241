// Package metrics exposes the engine's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "signal_engine"

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	SignalsTotal      *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionLatency  prometheus.Histogram
	PositionsOpen     prometheus.Gauge
	TargetsHit        prometheus.Counter
	BreakevensArmed   prometheus.Counter
	PositionsClosed   *prometheus.CounterVec
	RealizedPnL       prometheus.Gauge
	ReconcilePasses   prometheus.Counter
	ReconcileErrors   *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	MarginRatio       prometheus.Gauge
	RiskDenials       *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SignalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "signals_total",
			Help:      "Messages seen by the ingestion bridge by source and result",
		}, []string{"source", "result"}),
		ExecutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Execute attempts by result (ok or error kind)",
		}, []string{"result"}),
		ExecutionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "execution_latency_seconds",
			Help:      "Time from intent to tracked position",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		PositionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "positions_open",
			Help:      "Positions currently tracked",
		}),
		TargetsHit: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "targets_hit_total",
			Help:      "Take-profit targets reached",
		}),
		BreakevensArmed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "breakevens_armed_total",
			Help:      "Stops moved to breakeven",
		}),
		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "positions_closed_total",
			Help:      "Closed positions by result",
		}, []string{"result"}),
		RealizedPnL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "realized_pnl_usdt",
			Help:      "Realized PnL since start in quote currency",
		}),
		ReconcilePasses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes run",
		}),
		ReconcileErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "reconcile_errors_total",
			Help:      "Per-symbol reconciliation errors by stage",
		}, []string{"stage"}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of a reconciliation pass",
			Buckets:   prometheus.DefBuckets,
		}),
		MarginRatio: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "margin_ratio",
			Help:      "Last observed account margin ratio",
		}),
		RiskDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "denials_total",
			Help:      "Trades refused by the risk ledger by rule",
		}, []string{"rule"}),
	}
}

func (m *Metrics) Signal(source, result string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(source, result).Inc()
}

// Execution records one Execute outcome. result is "ok" or an error kind.
func (m *Metrics) Execution(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.ExecutionLatency.Observe(took.Seconds())
	}
}

func (m *Metrics) RiskDenied(rule string) {
	if m == nil {
		return
	}
	m.RiskDenials.WithLabelValues(rule).Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.PositionsOpen.Set(float64(n))
}

func (m *Metrics) TargetHit() {
	if m == nil {
		return
	}
	m.TargetsHit.Inc()
}

func (m *Metrics) BreakevenArmed() {
	if m == nil {
		return
	}
	m.BreakevensArmed.Inc()
}

func (m *Metrics) PositionClosed(pnl float64) {
	if m == nil {
		return
	}
	result := "win"
	if pnl < 0 {
		result = "loss"
	}
	m.PositionsClosed.WithLabelValues(result).Inc()
	m.RealizedPnL.Add(pnl)
}

func (m *Metrics) ReconcileError(stage string) {
	if m == nil {
		return
	}
	m.ReconcileErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) ReconcilePass(took time.Duration) {
	if m == nil {
		return
	}
	m.ReconcilePasses.Inc()
	m.ReconcileDuration.Observe(took.Seconds())
}

func (m *Metrics) Margin(ratio float64) {
	if m == nil || math.IsInf(ratio, 0) || math.IsNaN(ratio) {
		return
	}
	m.MarginRatio.Set(ratio)
}
