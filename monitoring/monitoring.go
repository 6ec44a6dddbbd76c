// Package monitoring exposes Prometheus metrics for the gateway.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	healthProbes    *prometheus.CounterVec
	providersActive prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	metrics := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medgate_requests_total",
			Help: "Terminal request outcomes per provider.",
		}, []string{"provider", "vendor", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medgate_request_latency_seconds",
			Help:    "Wall-clock latency of successful requests.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider", "vendor"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medgate_retries_total",
			Help: "Retry attempts per provider.",
		}, []string{"provider"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medgate_tokens_total",
			Help: "Tokens consumed per provider and direction.",
		}, []string{"provider", "direction"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medgate_cost_usd_total",
			Help: "Accumulated request cost in USD per provider.",
		}, []string{"provider"}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medgate_health_probes_total",
			Help: "Health probe outcomes per provider.",
		}, []string{"provider", "outcome"}),
		providersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medgate_providers_active",
			Help: "Providers currently in ACTIVE status.",
		}),
	}

	registry.MustRegister(
		metrics.requestsTotal,
		metrics.requestLatency,
		metrics.retriesTotal,
		metrics.tokensTotal,
		metrics.costTotal,
		metrics.healthProbes,
		metrics.providersActive,
	)
	return metrics
}

func (m *Metrics) RecordRequest(providerId string, vendor string, status string, latency time.Duration) {
	m.requestsTotal.WithLabelValues(providerId, vendor, status).Inc()
	if status == "SUCCESS" {
		m.requestLatency.WithLabelValues(providerId, vendor).Observe(latency.Seconds())
	}
}

func (m *Metrics) RecordRetry(providerId string) {
	m.retriesTotal.WithLabelValues(providerId).Inc()
}

func (m *Metrics) RecordUsage(providerId string, inputTokens int, outputTokens int, cost float64) {
	m.tokensTotal.WithLabelValues(providerId, "input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues(providerId, "output").Add(float64(outputTokens))
	m.costTotal.WithLabelValues(providerId).Add(cost)
}

func (m *Metrics) RecordHealthProbe(providerId string, healthy bool) {
	outcome := "healthy"
	if !healthy {
		outcome = "unhealthy"
	}
	m.healthProbes.WithLabelValues(providerId, outcome).Inc()
}

func (m *Metrics) SetActiveProviders(count int) {
	m.providersActive.Set(float64(count))
}

// Handler serves the metrics endpoint for this private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
