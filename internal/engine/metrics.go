package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics 汇总单个引擎的 prometheus 指标，以 engine 常量标签区分模式。
type metrics struct {
	lookups    *prometheus.CounterVec
	stores     *prometheus.CounterVec
	reclaimed  *prometheus.CounterVec
	collectors []prometheus.Collector
}

func newMetrics(e *Engine, reg prometheus.Registerer) *metrics {
	labels := prometheus.Labels{"engine": e.name}
	m := &metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "anycache_lookups_total",
			Help:        "Cache lookups by resulting state",
			ConstLabels: labels,
		}, []string{"state"}),
		stores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "anycache_stores_total",
			Help:        "Capture attempts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "anycache_reclaimed_total",
			Help:        "Objects reclaimed by housekeeping",
			ConstLabels: labels,
		}, []string{"phase"}),
	}

	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, fn)
	}
	m.collectors = []prometheus.Collector{
		m.lookups,
		m.stores,
		m.reclaimed,
		gauge("anycache_dict_entries", "Entries in the keyed index", func() float64 {
			return float64(e.dict.Len())
		}),
		gauge("anycache_ring_chains", "Chains held by the ring store", func() float64 {
			return float64(e.ring.Stats().Count)
		}),
		gauge("anycache_ring_invalid_chains", "Invalid chains awaiting reclamation", func() float64 {
			return float64(e.ring.Stats().Invalid)
		}),
		gauge("anycache_segment_used_bytes", "Bytes allocated from the shared segment", func() float64 {
			return float64(e.seg.Stats().Used)
		}),
	}

	if reg != nil {
		for _, c := range m.collectors {
			reg.MustRegister(c)
		}
	}
	return m
}

func (m *metrics) lookup(s State) {
	m.lookups.WithLabelValues(s.String()).Inc()
}

func (m *metrics) store(outcome string) {
	m.stores.WithLabelValues(outcome).Inc()
}

func (m *metrics) reclaim(phase string) {
	m.reclaimed.WithLabelValues(phase).Inc()
}
