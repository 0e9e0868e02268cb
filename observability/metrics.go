package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	voteSettleOnce     sync.Once
	voteSettleRegistry *VoteSettleMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics
)

// VoteSettleMetrics wraps collectors tracking the vote settlement engine.
type VoteSettleMetrics struct {
	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	batches         *prometheus.CounterVec
	settledWeight   *prometheus.CounterVec
	rolledBack      *prometheus.CounterVec
	ambiguous       *prometheus.CounterVec
	settlementFails *prometheus.CounterVec
	resplits        *prometheus.CounterVec
	inFlight        prometheus.Gauge
	pauseEngaged    prometheus.Gauge
}

// VoteSettle exposes the metrics registry for the vote settlement engine.
func VoteSettle() *VoteSettleMetrics {
	voteSettleOnce.Do(func() {
		voteSettleRegistry = &VoteSettleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "votesettle",
				Subsystem: "engine",
				Name:      "requests_total",
				Help:      "Vote requests segmented by terminal outcome and failure reason.",
			}, []string{"outcome", "reason"}),
			requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "votesettle",
				Subsystem: "engine",
				Name:      "request_duration_seconds",
				Help:      "Wall-clock duration of vote requests from planning to terminal state.",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			}, []string{"outcome"}),
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "votesettle",
				Subsystem: "engine",
				Name:      "batches_total",
				Help:      "Payment batches segmented by provider family, handle kind and outcome.",
			}, []string{"provider", "handle", "outcome"}),
			settledWeight: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "votesettle",
				Subsystem: "engine",
				Name:      "settled_weight_total",
				Help:      "Vote weight credited to species aggregates after confirmation.",
			}, []string{"provider"}),
			rolledBack: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "votesettle",
				Subsystem: "engine",
				Name:      "rolled_back_weight_total",
				Help:      "Vote weight removed from species aggregates by rollbacks.",
			}, []string{"reason"}),
			ambiguous: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "votesettle",
				Subsystem: "engine",
				Name:      "ambiguous_confirmations_total",
				Help:      "Batches optimistically confirmed without a definitive provider status.",
			}, []string{"provider", "cause"}),
			settlementFails: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "votesettle",
				Subsystem: "engine",
				Name:      "settlement_failures_total",
				Help:      "Confirmed payments whose off-chain vote records could not be persisted.",
			}, []string{"provider"}),
			resplits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "votesettle",
				Subsystem: "engine",
				Name:      "resplits_total",
				Help:      "Batches re-split after the provider rejected them as too large.",
			}, []string{"provider"}),
			inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "votesettle",
				Subsystem: "engine",
				Name:      "requests_in_flight",
				Help:      "Vote requests currently between planning and terminal state.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "votesettle",
				Subsystem: "engine",
				Name:      "pause_engaged",
				Help:      "Indicates whether the engine pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			voteSettleRegistry.requests,
			voteSettleRegistry.requestLatency,
			voteSettleRegistry.batches,
			voteSettleRegistry.settledWeight,
			voteSettleRegistry.rolledBack,
			voteSettleRegistry.ambiguous,
			voteSettleRegistry.settlementFails,
			voteSettleRegistry.resplits,
			voteSettleRegistry.inFlight,
			voteSettleRegistry.pauseEngaged,
		)
	})
	return voteSettleRegistry
}

// ObserveRequest records the terminal outcome of a vote request.
func (m *VoteSettleMetrics) ObserveRequest(reason string, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if reason = strings.TrimSpace(reason); reason != "" {
		outcome = "failure"
	} else {
		reason = "none"
	}
	m.requests.WithLabelValues(outcome, reason).Inc()
	m.requestLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordBatch increments the batch counter for the supplied outcome.
func (m *VoteSettleMetrics) RecordBatch(provider, handle, outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(labelValue(provider), labelValue(handle), labelValue(outcome)).Inc()
}

// AddSettledWeight adds confirmed weight credited to aggregates.
func (m *VoteSettleMetrics) AddSettledWeight(provider string, weight int64) {
	if m == nil || weight <= 0 {
		return
	}
	m.settledWeight.WithLabelValues(labelValue(provider)).Add(float64(weight))
}

// AddRolledBackWeight adds weight reverted by the rollback coordinator.
func (m *VoteSettleMetrics) AddRolledBackWeight(reason string, weight int64) {
	if m == nil || weight <= 0 {
		return
	}
	m.rolledBack.WithLabelValues(labelValue(reason)).Add(float64(weight))
}

// RecordAmbiguous notes an optimistic confirmation and its cause.
func (m *VoteSettleMetrics) RecordAmbiguous(provider, cause string) {
	if m == nil {
		return
	}
	m.ambiguous.WithLabelValues(labelValue(provider), labelValue(cause)).Inc()
}

// RecordSettlementFailure notes a paid batch that could not be credited.
func (m *VoteSettleMetrics) RecordSettlementFailure(provider string) {
	if m == nil {
		return
	}
	m.settlementFails.WithLabelValues(labelValue(provider)).Inc()
}

// RecordResplit notes a batch subdivided after a size rejection.
func (m *VoteSettleMetrics) RecordResplit(provider string) {
	if m == nil {
		return
	}
	m.resplits.WithLabelValues(labelValue(provider)).Inc()
}

// SetInFlight updates the in-flight request gauge.
func (m *VoteSettleMetrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// SetPause toggles the pause_engaged gauge.
func (m *VoteSettleMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// Collectors exposes the underlying vectors for tests asserting on values.
func (m *VoteSettleMetrics) Collectors() (batches, ambiguous, settlementFails *prometheus.CounterVec) {
	return m.batches, m.ambiguous, m.settlementFails
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the lazily-initialised registry recording API activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "votesettle",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "votesettle",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

func labelValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
