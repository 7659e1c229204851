package metrics

import "github.com/prometheus/client_golang/prometheus"

// WorkflowMetrics exposes counters/histograms for the referral workflow.
type WorkflowMetrics struct {
	transitionsTotal *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	webhookLatency   *prometheus.HistogramVec
}

func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	m := &WorkflowMetrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "referrals",
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Total committed referral status transitions",
		}, []string{"action", "to_status"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "referrals",
			Subsystem: "dispatch",
			Name:      "effects_total",
			Help:      "Total dispatched side effects by outcome",
		}, []string{"effect", "outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "referrals",
			Subsystem: "webhooks",
			Name:      "latency_seconds",
			Help:      "Latency of inbound vendor webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitionsTotal, m.dispatchTotal, m.webhookLatency)
	return m
}

func (m *WorkflowMetrics) ObserveTransition(action, toStatus string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(action, toStatus).Inc()
}

func (m *WorkflowMetrics) ObserveDispatch(effect, outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(effect, outcome).Inc()
}

func (m *WorkflowMetrics) ObserveWebhookLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(provider).Observe(seconds)
}
