package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	syncCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by result.",
		},
		[]string{"result"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "operations_total",
			Help:      "Dispatched operations by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "offsync",
			Name:      "queue_depth",
			Help:      "Outbox operations by status.",
		},
		[]string{"status"},
	)

	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "offsync",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of a single transport dispatch.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(syncCycles, operations, queueDepth, dispatchDuration)
	})
}

// IncCycle increments the cycle counter for a result label.
func IncCycle(result string) {
	syncCycles.WithLabelValues(result).Inc()
}

// IncOperation increments the operation counter for an outcome label.
func IncOperation(outcome string) {
	operations.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current count of operations in a status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// ObserveDispatch records the duration of one transport call.
func ObserveDispatch(d time.Duration) {
	dispatchDuration.Observe(d.Seconds())
}
