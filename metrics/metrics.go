/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Prometheus counters/gauges for commands, selection and
             delivery, registered against a dedicated registry and
             served at /metrics.
Root Cause:  Operators need a way to see rejection rates, cap/budget
             exhaustion and webhook delivery health without reading
             logs.
Context:     One Metrics value is constructed at startup and handed to
             the HTTP API handlers (httpapi), which record every
             metric; command, selection and delivery do not use it.
Suitability: L2 — standard client_golang instrumentation.
──────────────────────────────────────────────────────────────
*/

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every Prometheus collector flyback exposes.
type Metrics struct {
	reg *prometheus.Registry

	CommandsTotal    *prometheus.CounterVec // label: command, outcome
	RejectionsTotal  *prometheus.CounterVec // label: command, code
	SelectionsTotal  *prometheus.CounterVec // label: publisher_id, fallback_tier
	BillableTotal    *prometheus.CounterVec // label: campaign_id, billable
	BudgetRemaining  *prometheus.GaugeVec   // label: campaign_id
	DeliveryAttempts *prometheus.CounterVec // label: outcome (delivered, retry, dlq)
	DeliveryLag      prometheus.Gauge
}

// New constructs and registers every collector against a fresh
// registry (not the global default, so tests can build one per case).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyback_commands_total",
			Help: "Commands processed, by command name and outcome.",
		}, []string{"command", "outcome"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyback_rejections_total",
			Help: "Rejected commands, by command name and error code.",
		}, []string{"command", "code"}),
		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyback_selections_total",
			Help: "Creative selections, by publisher and fallback tier used.",
		}, []string{"publisher_id", "fallback_tier"}),
		BillableTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyback_resolutions_total",
			Help: "Final resolutions, by campaign and billability.",
		}, []string{"campaign_id", "billable"}),
		BudgetRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flyback_campaign_budget_remaining",
			Help: "Remaining budget per campaign.",
		}, []string{"campaign_id"}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyback_webhook_attempts_total",
			Help: "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		DeliveryLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flyback_webhook_delivery_lag",
			Help: "Sequence gap between the last appended event and the last delivered one.",
		}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.RejectionsTotal,
		m.SelectionsTotal,
		m.BillableTotal,
		m.BudgetRemaining,
		m.DeliveryAttempts,
		m.DeliveryLag,
	)
	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
