package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts webhook and dispatch activity by provider and outcome.
type Metrics struct {
	webhookEvents *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewly_webhook_events_total",
			Help: "Inbound webhook events by provider and outcome.",
		}, []string{"provider", "outcome"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewly_dispatches_total",
			Help: "SMS dispatch attempts by result.",
		}, []string{"result"}),
	}
	registry.MustRegister(m.webhookEvents, m.dispatches)
	return m
}

func (m *Metrics) RecordWebhookEvent(provider string, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, outcome).Inc()
}

// DispatchCounter exposes one labelled dispatch counter for assertions.
func (m *Metrics) DispatchCounter(result string) prometheus.Counter {
	return m.dispatches.WithLabelValues(result)
}

func (m *Metrics) RecordDispatch(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}
