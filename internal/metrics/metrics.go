package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	operationsQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kiaan",
			Subsystem: "offline",
			Name:      "operations_queued_total",
			Help:      "Operations accepted into the offline queue.",
		},
	)

	replays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiaan",
			Subsystem: "offline",
			Name:      "replays_total",
			Help:      "Replay attempts by result.",
		},
		[]string{"result"},
	)

	drains = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kiaan",
			Subsystem: "offline",
			Name:      "drains_total",
			Help:      "Completed drain passes.",
		},
	)

	pendingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kiaan",
			Subsystem: "offline",
			Name:      "pending_operations",
			Help:      "Operations currently waiting for replay.",
		},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiaan",
			Subsystem: "offline",
			Name:      "cache_lookups_total",
			Help:      "Offline fallback cache lookups by result.",
		},
		[]string{"result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(operationsQueued, replays, drains, pendingOperations, cacheLookups)
	})
}

// IncQueued counts an accepted operation.
func IncQueued() {
	operationsQueued.Inc()
}

// IncReplay counts a replay attempt: "success", "retry" or "dropped".
func IncReplay(result string) {
	replays.WithLabelValues(result).Inc()
}

// IncDrain counts a completed drain pass.
func IncDrain() {
	drains.Inc()
}

// SetPending records the current queue depth.
func SetPending(n int) {
	pendingOperations.Set(float64(n))
}

// IncCacheLookup counts a fallback lookup: "hit" or "miss".
func IncCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}
