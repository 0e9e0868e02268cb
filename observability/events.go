package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking progress events emitted to clients.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "votesettle",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of progress events published segmented by status.",
			}, []string{"status"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "votesettle",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Count of progress events dropped because a subscriber was too slow.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(eventRegistry.published, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordPublished increments the published counter for the supplied status.
func (m *eventMetrics) RecordPublished(status string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(normaliseStatus(status)).Inc()
}

// RecordDropped increments the dropped counter for the supplied status.
func (m *eventMetrics) RecordDropped(status string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normaliseStatus(status)).Inc()
}

func normaliseStatus(status string) string {
	normalized := strings.TrimSpace(strings.ToLower(status))
	if normalized == "" {
		normalized = "unknown"
	}
	return normalized
}
