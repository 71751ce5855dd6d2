package tilereduce

import "github.com/prometheus/client_golang/prometheus"

// metrics tracks dispatch throughput. All methods are nil-safe so jobs
// without a registerer pay nothing.
type metrics struct {
	tilesSent prometheus.Counter
	tilesDone prometheus.Counter
	pending   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		tilesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tilereduce",
			Name:      "tiles_sent_total",
			Help:      "Tiles dispatched to workers.",
		}),
		tilesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tilereduce",
			Name:      "tiles_done_total",
			Help:      "Tiles completed by workers.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tilereduce",
			Name:      "tiles_pending",
			Help:      "Dispatched tiles awaiting completion.",
		}),
	}
	reg.MustRegister(m.tilesSent, m.tilesDone, m.pending)
	return m
}

func (m *metrics) sent() {
	if m == nil {
		return
	}
	m.tilesSent.Inc()
	m.pending.Inc()
}

func (m *metrics) done() {
	if m == nil {
		return
	}
	m.tilesDone.Inc()
	m.pending.Dec()
}
