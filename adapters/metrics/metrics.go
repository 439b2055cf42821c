// Package metrics provides Prometheus metrics collection for tokenmeter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokenmeter"

// Collector holds all Prometheus metrics for tokenmeter.
// The Record* helpers are safe to call on a nil *Collector.
type Collector struct {
	// Quota metrics
	Charges         *prometheus.CounterVec
	ChargedAmount   *prometheus.CounterVec
	QuotaDenials    *prometheus.CounterVec
	Refunds         *prometheus.CounterVec
	Downgrades      *prometheus.CounterVec
	LedgerConflicts prometheus.Counter

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec

	// Cache metrics
	CacheLookups *prometheus.CounterVec

	// Upstream metrics
	InvokeDuration *prometheus.HistogramVec
	InvokeErrors   *prometheus.CounterVec

	// Billing metrics
	BillingEvents *prometheus.CounterVec

	// HTTP metrics for the ops server
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector registered with the default registry.
func New() *Collector {
	return build(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	return build(promauto.With(reg))
}

func build(factory promauto.Factory) *Collector {
	return &Collector{
		Charges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "charges_total",
				Help:      "Debit decisions by outcome, source and provider",
			},
			[]string{"outcome", "source", "provider"},
		),
		ChargedAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "charged_units_total",
				Help:      "Usage units debited by source and provider",
			},
			[]string{"source", "provider"},
		),
		QuotaDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_denials_total",
				Help:      "Debits denied for insufficient balance",
			},
			[]string{"reason"},
		),
		Refunds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refunds_total",
				Help:      "Refunds by source and whether the balance was restored",
			},
			[]string{"source", "restored"},
		),
		Downgrades: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_downgrades_total",
				Help:      "Requests moved to the default provider for lack of entitlement",
			},
			[]string{"requested"},
		),
		LedgerConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_conflicts_total",
				Help:      "Optimistic ledger writes that lost a version race",
			},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the per-provider rate limit",
			},
			[]string{"provider"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"result"},
		),
		InvokeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invoke_duration_seconds",
				Help:      "Upstream inference duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "status"},
		),
		InvokeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoke_errors_total",
				Help:      "Upstream inference failures",
			},
			[]string{"provider"},
		),
		BillingEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_events_total",
				Help:      "Billing events by type and result",
			},
			[]string{"type", "result"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of ops HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Ops HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "route"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// RecordCharge counts one debit decision.
func (c *Collector) RecordCharge(outcome, source, provider string, amount int64) {
	if c == nil {
		return
	}
	c.Charges.WithLabelValues(outcome, source, provider).Inc()
	if outcome == "allowed" && amount > 0 {
		c.ChargedAmount.WithLabelValues(source, provider).Add(float64(amount))
	}
}

// RecordDenial counts a quota denial.
func (c *Collector) RecordDenial(reason string) {
	if c == nil {
		return
	}
	c.QuotaDenials.WithLabelValues(reason).Inc()
}

// RecordRefund counts a refund.
func (c *Collector) RecordRefund(source string, restored bool) {
	if c == nil {
		return
	}
	r := "false"
	if restored {
		r = "true"
	}
	c.Refunds.WithLabelValues(source, r).Inc()
}

// RecordDowngrade counts a provider downgrade.
func (c *Collector) RecordDowngrade(requested string) {
	if c == nil {
		return
	}
	c.Downgrades.WithLabelValues(requested).Inc()
}

// RecordConflict counts a lost ledger version race.
func (c *Collector) RecordConflict() {
	if c == nil {
		return
	}
	c.LedgerConflicts.Inc()
}

// RecordRateLimited counts a rate limit rejection.
func (c *Collector) RecordRateLimited(provider string) {
	if c == nil {
		return
	}
	c.RateLimitHits.WithLabelValues(provider).Inc()
}

// RecordCache counts a cache lookup: "hit", "miss", "shared" or "error".
func (c *Collector) RecordCache(result string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

// RecordInvoke observes one upstream call.
func (c *Collector) RecordInvoke(provider string, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		c.InvokeErrors.WithLabelValues(provider).Inc()
	}
	c.InvokeDuration.WithLabelValues(provider, status).Observe(d.Seconds())
}

// RecordBilling counts a billing event.
func (c *Collector) RecordBilling(eventType, result string) {
	if c == nil {
		return
	}
	c.BillingEvents.WithLabelValues(eventType, result).Inc()
}

// RecordRequest observes one ops HTTP request.
func (c *Collector) RecordRequest(method, route, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, route, status).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordReload records a config reload attempt.
func (c *Collector) RecordReload(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.SetToCurrentTime()
}

// StatusClass buckets an HTTP status code as "2xx", "4xx" and so on.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
