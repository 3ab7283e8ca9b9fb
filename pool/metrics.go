package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "forkrpc"

// Metrics records pool activity. A nil *Metrics records nothing.
type Metrics struct {
	spawned      *prometheus.CounterVec
	retired      *prometheus.CounterVec
	live         *prometheus.GaugeVec
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
}

// NewMetrics registers the pool metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		spawned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "workers_spawned_total",
			Help:      "Worker processes started.",
		}, []string{"pool"}),
		retired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "workers_retired_total",
			Help:      "Worker processes removed from the pool, by reason.",
		}, []string{"pool", "reason"}),
		live: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "workers_live",
			Help:      "Worker processes currently owned by the pool.",
		}, []string{"pool"}),
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "calls_total",
			Help:      "Calls made on workers, by outcome (ok, fault, died).",
		}, []string{"pool", "outcome"}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pool"}),
	}
}

func (m *Metrics) workerSpawned(pool string) {
	if m == nil {
		return
	}
	m.spawned.WithLabelValues(pool).Inc()
	m.live.WithLabelValues(pool).Inc()
}

func (m *Metrics) workerRetired(pool, reason string) {
	if m == nil {
		return
	}
	m.retired.WithLabelValues(pool, reason).Inc()
	m.live.WithLabelValues(pool).Dec()
}

// ObserveCall records one call and its outcome.
func (m *Metrics) ObserveCall(pool, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(pool, outcome).Inc()
	m.callDuration.WithLabelValues(pool).Observe(seconds)
}
