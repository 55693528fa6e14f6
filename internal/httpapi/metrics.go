package httpapi

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type serverMetrics struct {
	pushTotal     *prometheus.CounterVec
	pullTotal     *prometheus.CounterVec
	opsApplied    prometheus.Counter
	applySeconds  prometheus.Histogram
	streamClients prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *serverMetrics
)

// metrics registers on the default registry exactly once so tests that build
// several servers in one process do not hit duplicate registration panics.
func metrics() *serverMetrics {
	metricsOnce.Do(func() {
		metricsInst = &serverMetrics{
			pushTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "boardsync",
				Name:      "push_requests_total",
				Help:      "Push requests handled, labelled by outcome.",
			}, []string{"outcome"}),
			pullTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "boardsync",
				Name:      "pull_requests_total",
				Help:      "Pull requests handled, labelled by outcome.",
			}, []string{"outcome"}),
			opsApplied: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "boardsync",
				Name:      "ops_applied_total",
				Help:      "Operations committed to the ledger.",
			}),
			applySeconds: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: "boardsync",
				Name:      "apply_duration_seconds",
				Help:      "Time spent applying a push batch to the ledger.",
				Buckets:   prometheus.DefBuckets,
			}),
			streamClients: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "boardsync",
				Name:      "stream_clients",
				Help:      "Connected event stream clients.",
			}),
		}
	})
	return metricsInst
}
