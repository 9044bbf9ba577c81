package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProviderMetrics records outbound payment provider calls.
type ProviderMetrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewProviderMetrics registers provider call metrics on the registerer.
func NewProviderMetrics(reg prometheus.Registerer) *ProviderMetrics {
	if reg == nil {
		return &ProviderMetrics{}
	}
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_calls_total",
		Help: "Payment provider calls by provider, operation and outcome.",
	}, []string{"provider", "operation", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_call_duration_seconds",
		Help:    "Latency of payment provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})
	reg.MustRegister(calls, duration)
	return &ProviderMetrics{calls: calls, duration: duration}
}

// Observe records one provider call attempt.
func (m *ProviderMetrics) Observe(provider, operation, outcome string, elapsed time.Duration) {
	if m == nil || m.calls == nil {
		return
	}
	m.calls.WithLabelValues(normalizeLabel(provider), normalizeLabel(operation), normalizeLabel(outcome)).Inc()
	m.duration.WithLabelValues(normalizeLabel(provider), normalizeLabel(operation)).Observe(elapsed.Seconds())
}

// WebhookMetrics counts inbound provider notifications by outcome.
type WebhookMetrics struct {
	received *prometheus.CounterVec
}

// NewWebhookMetrics registers webhook metrics on the registerer.
func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	received := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Provider webhook deliveries by provider and reconciliation outcome.",
	}, []string{"provider", "outcome"})
	reg.MustRegister(received)
	return &WebhookMetrics{received: received}
}

// Inc counts one webhook delivery.
func (m *WebhookMetrics) Inc(provider, outcome string) {
	if m == nil || m.received == nil {
		return
	}
	m.received.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

// EscrowMetrics counts escrow state changes.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
}

// NewEscrowMetrics registers escrow metrics on the registerer.
func NewEscrowMetrics(reg prometheus.Registerer) *EscrowMetrics {
	if reg == nil {
		return &EscrowMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Escrow state transitions by target status and trigger.",
	}, []string{"status", "trigger"})
	reg.MustRegister(transitions)
	return &EscrowMetrics{transitions: transitions}
}

// Inc counts one escrow transition.
func (m *EscrowMetrics) Inc(status, trigger string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(status), normalizeLabel(trigger)).Inc()
}
