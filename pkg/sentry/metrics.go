package sentry

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	cyclesTotal        prometheus.Counter
	cyclesAbortedTotal prometheus.Counter
	enforcedTotal      prometheus.Counter
	failuresTotal      prometheus.Counter

	pidsSeen     prometheus.Gauge
	authorized   prometheus.Gauge
	pendingGrace prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusentry",
			Subsystem: "cycle",
			Name:      "completed_total",
			Help:      "completed enforcement cycles",
		}),
		cyclesAbortedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusentry",
			Subsystem: "cycle",
			Name:      "aborted_total",
			Help:      "cycles aborted on query failure or invariant violation",
		}),
		enforcedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusentry",
			Subsystem: "enforcement",
			Name:      "terminated_total",
			Help:      "unauthorized gpu processes terminated",
		}),
		failuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusentry",
			Subsystem: "enforcement",
			Name:      "failures_total",
			Help:      "enforcement attempts that failed (permission or signal errors)",
		}),
		pidsSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpusentry",
			Subsystem: "cycle",
			Name:      "pids_seen",
			Help:      "gpu processes observed in the last completed cycle",
		}),
		authorized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpusentry",
			Subsystem: "cycle",
			Name:      "authorized",
			Help:      "gpu processes traced to an active job in the last completed cycle",
		}),
		pendingGrace: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpusentry",
			Subsystem: "cycle",
			Name:      "unauthorized_pending_grace",
			Help:      "unauthorized gpu processes awaiting a confirming cycle",
		}),
	}
	reg.MustRegister(
		m.cyclesTotal,
		m.cyclesAbortedTotal,
		m.enforcedTotal,
		m.failuresTotal,
		m.pidsSeen,
		m.authorized,
		m.pendingGrace,
	)
	return m
}

func (m *Metrics) Observe(s Summary) {
	m.cyclesTotal.Inc()
	m.enforcedTotal.Add(float64(s.Enforced))
	m.failuresTotal.Add(float64(s.Failures))
	m.pidsSeen.Set(float64(s.PidsSeen))
	m.authorized.Set(float64(s.Authorized))
	m.pendingGrace.Set(float64(s.UnauthorizedPendingGrace))
}

func (m *Metrics) CycleAborted() {
	m.cyclesAbortedTotal.Inc()
}
