package rules

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for resolution, caching and execution.
// A nil *Metrics records nothing.
type Metrics struct {
	executions  *prometheus.CounterVec
	duration    prometheus.Histogram
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	reloads     prometheus.Counter
	resolutions *prometheus.CounterVec
}

// NewMetrics creates the rule metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dss",
			Subsystem: "rules",
			Name:      "executions_total",
			Help:      "Rule executions by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dss",
			Subsystem: "rules",
			Name:      "execution_duration_seconds",
			Help:      "Time spent executing a single rule",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dss",
			Subsystem: "rules",
			Name:      "cache_hits_total",
			Help:      "Runtime cache lookups served without resolution",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dss",
			Subsystem: "rules",
			Name:      "cache_misses_total",
			Help:      "Runtime cache lookups that triggered resolution",
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dss",
			Subsystem: "rules",
			Name:      "cache_reloads_total",
			Help:      "Forced reloads of cached rules",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dss",
			Subsystem: "rules",
			Name:      "resolutions_total",
			Help:      "Namespace searches by outcome",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.executions, m.duration, m.cacheHits, m.cacheMisses, m.reloads, m.resolutions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) executed(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) hit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) reload() {
	if m != nil {
		m.reloads.Inc()
	}
}

func (m *Metrics) resolved(outcome string) {
	if m != nil {
		m.resolutions.WithLabelValues(outcome).Inc()
	}
}
