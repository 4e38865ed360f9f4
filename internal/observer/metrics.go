// Package observer exposes operational visibility for the security
// core: Prometheus metrics incremented by the gateway and a periodic
// health-check runner polling the key service, escrow, and audit
// ledger.
package observer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters and gauges published by the service.
type Metrics struct {
	PromptsProcessed   *prometheus.CounterVec
	ResponsesProcessed *prometheus.CounterVec
	RecoveryAttempts   *prometheus.CounterVec
	AuditEntriesTotal  prometheus.Gauge
	EscrowedKeys       prometheus.Gauge
	ActiveSessions     prometheus.Gauge
	RegisteredAgents   *prometheus.GaugeVec
	KeyServiceUp       prometheus.Gauge
}

// NewMetrics creates and registers the metric set. Pass
// prometheus.DefaultRegisterer in production; tests use a private
// registry so parallel tests do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PromptsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptguard",
			Name:      "prompts_processed_total",
			Help:      "Prompt pipeline calls by result.",
		}, []string{"result"}),
		ResponsesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptguard",
			Name:      "responses_processed_total",
			Help:      "Response pipeline calls by result.",
		}, []string{"result"}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptguard",
			Name:      "recovery_attempts_total",
			Help:      "Escrow recovery attempts by result.",
		}, []string{"result"}),
		AuditEntriesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "promptguard",
			Name:      "audit_entries",
			Help:      "Entries currently held by the audit ledger.",
		}),
		EscrowedKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "promptguard",
			Name:      "escrowed_keys",
			Help:      "Keys currently held in escrow.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "promptguard",
			Name:      "active_sessions",
			Help:      "Live gateway sessions.",
		}),
		RegisteredAgents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "promptguard",
			Name:      "registered_agents",
			Help:      "Registered agents by kind.",
		}, []string{"kind"}),
		KeyServiceUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "promptguard",
			Name:      "key_service_up",
			Help:      "1 when the last key service probe succeeded.",
		}),
	}

	reg.MustRegister(
		m.PromptsProcessed,
		m.ResponsesProcessed,
		m.RecoveryAttempts,
		m.AuditEntriesTotal,
		m.EscrowedKeys,
		m.ActiveSessions,
		m.RegisteredAgents,
		m.KeyServiceUp,
	)
	return m
}

// ObservePrompt records one prompt pipeline call.
func (m *Metrics) ObservePrompt(ok bool) {
	m.PromptsProcessed.WithLabelValues(resultLabel(ok)).Inc()
}

// ObserveResponse records one response pipeline call.
func (m *Metrics) ObserveResponse(ok bool) {
	m.ResponsesProcessed.WithLabelValues(resultLabel(ok)).Inc()
}

// ObserveRecovery records one escrow recovery attempt.
func (m *Metrics) ObserveRecovery(ok bool) {
	m.RecoveryAttempts.WithLabelValues(resultLabel(ok)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
