package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Metrics exposes Prometheus observability primitives for the metering core.
type Metrics struct {
	deductions         *prometheus.CounterVec
	grants             *prometheus.CounterVec
	reversals          prometheus.Counter
	deductionDuration  prometheus.Histogram
	creditsCharged     prometheus.Histogram
	vendorCost         prometheus.Histogram
	priceAlerts        *prometheus.CounterVec
	marginFallbacks    prometheus.Counter
	upgradeBatchUsers  *prometheus.CounterVec
	outboxDispatch     *prometheus.CounterVec
	outboxDispatchTime *prometheus.HistogramVec
	outboxBacklog      prometheus.Gauge
}

// Module provides Prometheus metrics.
var Module = fx.Provide(NewMetrics)

// NewMetrics registers and returns Prometheus metrics for telemetry.
func NewMetrics() *Metrics {
	deductions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metering_credit_deductions_total",
		Help: "Credit deductions by outcome (new, replayed, failed).",
	}, []string{"outcome"})

	grants := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metering_credit_grants_total",
		Help: "Credit grants by reason.",
	}, []string{"reason"})

	reversals := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metering_deduction_reversals_total",
		Help: "Deductions reversed with a compensating grant.",
	})

	deductionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "metering_deduction_duration_seconds",
		Help:    "Deduction transaction latency.",
		Buckets: prometheus.DefBuckets,
	})

	creditsCharged := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "metering_credits_charged",
		Help:    "Credits charged per request.",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	})

	vendorCost := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "metering_vendor_cost_usd",
		Help:    "Vendor cost per request in USD.",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	})

	priceAlerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metering_price_alerts_total",
		Help: "Vendor price changes exceeding the alert threshold.",
	}, []string{"provider"})

	marginFallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metering_margin_fallbacks_total",
		Help: "Margin resolutions that fell back to the default multiplier.",
	})

	upgradeBatchUsers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metering_upgrade_batch_users_total",
		Help: "Tier credit upgrade batch results per user.",
	}, []string{"status"})

	outboxDispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metering_outbox_dispatch_total",
		Help: "Counts dispatcher batches by status.",
	}, []string{"status"})

	outboxDispatchTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metering_outbox_dispatch_duration_seconds",
		Help:    "Dispatcher batch durations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	outboxBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metering_outbox_backlog",
		Help: "Number of pending events in the outbox.",
	})

	prometheus.MustRegister(
		deductions,
		grants,
		reversals,
		deductionDuration,
		creditsCharged,
		vendorCost,
		priceAlerts,
		marginFallbacks,
		upgradeBatchUsers,
		outboxDispatch,
		outboxDispatchTime,
		outboxBacklog,
	)

	return &Metrics{
		deductions:         deductions,
		grants:             grants,
		reversals:          reversals,
		deductionDuration:  deductionDuration,
		creditsCharged:     creditsCharged,
		vendorCost:         vendorCost,
		priceAlerts:        priceAlerts,
		marginFallbacks:    marginFallbacks,
		upgradeBatchUsers:  upgradeBatchUsers,
		outboxDispatch:     outboxDispatch,
		outboxDispatchTime: outboxDispatchTime,
		outboxBacklog:      outboxBacklog,
	}
}

// ObserveDeduction records a deduction outcome with latency and amounts.
func (m *Metrics) ObserveDeduction(outcome string, credits, vendorCostUSD float64, duration time.Duration) {
	if m == nil {
		return
	}
	m.deductions.WithLabelValues(sanitizeLabel(outcome)).Inc()
	m.deductionDuration.Observe(duration.Seconds())
	if outcome == "new" {
		m.creditsCharged.Observe(credits)
		m.vendorCost.Observe(vendorCostUSD)
	}
}

// ObserveGrant records a grant by reason.
func (m *Metrics) ObserveGrant(reason string) {
	if m == nil {
		return
	}
	m.grants.WithLabelValues(sanitizeLabel(reason)).Inc()
}

// ObserveReversal records a deduction reversal.
func (m *Metrics) ObserveReversal() {
	if m == nil {
		return
	}
	m.reversals.Inc()
}

// ObservePriceAlert records a threshold-exceeding vendor price change.
func (m *Metrics) ObservePriceAlert(provider string) {
	if m == nil {
		return
	}
	m.priceAlerts.WithLabelValues(sanitizeLabel(provider)).Inc()
}

// ObserveMarginFallback records resolution falling back to the default multiplier.
func (m *Metrics) ObserveMarginFallback() {
	if m == nil {
		return
	}
	m.marginFallbacks.Inc()
}

// ObserveUpgradeBatchUser records one per-user outcome from an upgrade batch.
func (m *Metrics) ObserveUpgradeBatchUser(status string) {
	if m == nil {
		return
	}
	m.upgradeBatchUsers.WithLabelValues(sanitizeLabel(status)).Inc()
}

// RecordOutboxBatch registers dispatch batch metrics.
func (m *Metrics) RecordOutboxBatch(status string, count int, duration time.Duration) {
	if m == nil {
		return
	}
	m.outboxDispatch.WithLabelValues(status).Inc()
	m.outboxDispatchTime.WithLabelValues(status).Observe(duration.Seconds())
}

// SetOutboxBacklog updates the backlog gauge.
func (m *Metrics) SetOutboxBacklog(value float64) {
	if m == nil {
		return
	}
	m.outboxBacklog.Set(value)
}

func sanitizeLabel(val string) string {
	if val == "" {
		return "unknown"
	}
	return val
}
