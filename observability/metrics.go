package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records escrow operation activity for the RPC surface.
type EngineMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	payoutLegs prometheus.Counter
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Metrics returns the lazily-initialised engine metrics registry.
func Metrics() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowcore",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total escrow operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowcore",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			payoutLegs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrowcore",
				Subsystem: "engine",
				Name:      "payout_legs_total",
				Help:      "Total payout legs instructed to the ledger adapter.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.operations,
			engineRegistry.latency,
			engineRegistry.payoutLegs,
		)
	})
	return engineRegistry
}

// ObserveOperation records one engine operation with its outcome and latency.
func (m *EngineMetrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// CountPayoutLegs tracks how many payout legs a settled operation produced.
func (m *EngineMetrics) CountPayoutLegs(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.payoutLegs.Add(float64(n))
}
