package metrics

import "github.com/prometheus/client_golang/prometheus"

// AppointmentMetrics exposes counters/histograms for the appointment lifecycle,
// ledger calls and the refund pipeline.
type AppointmentMetrics struct {
	transitions   *prometheus.CounterVec
	ledgerLatency *prometheus.HistogramVec
	refunds       *prometheus.CounterVec
}

func NewAppointmentMetrics(reg prometheus.Registerer) *AppointmentMetrics {
	m := &AppointmentMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hcoin",
			Subsystem: "appointments",
			Name:      "transitions_total",
			Help:      "Appointment state transitions by operation and outcome",
		}, []string{"op", "outcome"}),
		ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hcoin",
			Subsystem: "ledger",
			Name:      "call_seconds",
			Help:      "Latency of settlement ledger calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hcoin",
			Subsystem: "refunds",
			Name:      "total",
			Help:      "Refund instructions processed by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitions, m.ledgerLatency, m.refunds)
	return m
}

func (m *AppointmentMetrics) ObserveTransition(op, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
}

func (m *AppointmentMetrics) ObserveLedgerCall(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ledgerLatency.WithLabelValues(op, outcome).Observe(seconds)
}

func (m *AppointmentMetrics) ObserveRefund(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(outcome).Inc()
}
