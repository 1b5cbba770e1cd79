package tsdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "saxdb"

// storeMetrics tracks database activity for the /metrics endpoint of the
// enclosing server.
type storeMetrics struct {
	ops      *prometheus.CounterVec
	opErrors *prometheus.CounterVec
	flushes  prometheus.Counter
	series   prometheus.Gauge
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	m := &storeMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "ops_total",
			Help:      "Number of completed operations by type.",
		}, []string{"op"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "op_errors_total",
			Help:      "Number of failed operations by type.",
		}, []string{"op"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "flushes_total",
			Help:      "Number of snapshot flushes.",
		}),
		series: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "series",
			Help:      "Number of live series.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.opErrors, m.flushes, m.series)
	}
	return m
}

func (m *storeMetrics) observe(op string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.opErrors.WithLabelValues(op).Inc()
		return
	}
	m.ops.WithLabelValues(op).Inc()
}

func (m *storeMetrics) setSeries(n int) {
	if m == nil {
		return
	}
	m.series.Set(float64(n))
}

func (m *storeMetrics) flushed() {
	if m == nil {
		return
	}
	m.flushes.Inc()
}
