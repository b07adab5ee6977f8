package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors the teacher's internal/metrics convention of a struct of
// pre-registered collectors built once and referenced by label, rather
// than registering ad hoc at call sites. It is a package-level singleton
// (like the teacher's metrics.Get()) so constructing more than one
// Broadcaster in a process — every test does — never double-registers a
// collector with the default Prometheus registry.
type metrics struct {
	broadcastsTotal *prometheus.CounterVec
	truncatedTotal  *prometheus.CounterVec
	payloadBytes    *prometheus.HistogramVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *metrics
)

func newMetrics() *metrics {
	metricsOnce.Do(func() {
		metricsInstance = buildMetrics()
	})
	return metricsInstance
}

func buildMetrics() *metrics {
	return &metrics{
		broadcastsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sheetext",
				Subsystem: "events",
				Name:      "broadcasts_total",
				Help:      "Total number of extension events broadcast, by event kind",
			},
			[]string{"kind"},
		),
		truncatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sheetext",
				Subsystem: "events",
				Name:      "truncated_total",
				Help:      "Total number of broadcast payloads truncated for exceeding the range-cell cap",
			},
			[]string{"kind"},
		),
		payloadBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sheetext",
				Subsystem: "events",
				Name:      "payload_bytes",
				Help:      "Marshaled size of event payloads delivered to a single worker",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
			},
			[]string{"kind"},
		),
	}
}
