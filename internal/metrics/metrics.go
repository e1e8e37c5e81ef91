// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics holds every collector on a private registry. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	upstreamFailure *prometheus.CounterVec
	upstreamHealthy *prometheus.GaugeVec
	sessions        prometheus.Gauge
	wsBytes         *prometheus.CounterVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by route kind and status code.",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time to produce a response, by route kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
		upstreamFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Connect or read failures reported against an upstream endpoint.",
		}, []string{"endpoint"}),
		upstreamHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_healthy",
			Help:      "1 when the upstream endpoint is eligible for traffic.",
		}, []string{"endpoint"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_sessions",
			Help:      "Open relayed websocket sessions.",
		}),
		wsBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_bytes_total",
			Help:      "Bytes relayed over websocket sessions.",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.duration,
		m.rateLimited,
		m.upstreamFailure,
		m.upstreamHealthy,
		m.sessions,
		m.wsBytes,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) UpstreamFailure(endpoint string) {
	if m == nil {
		return
	}
	m.upstreamFailure.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) UpstreamHealth(endpoint string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.upstreamHealthy.WithLabelValues(endpoint).Set(v)
}

// SessionOpened and SessionClosed satisfy the websocket relay's observer
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed(clientToUpstream, upstreamToClient int64) {
	if m == nil {
		return
	}
	m.sessions.Dec()
	m.wsBytes.WithLabelValues("in").Add(float64(clientToUpstream))
	m.wsBytes.WithLabelValues("out").Add(float64(upstreamToClient))
}

// TrackKeys exports fn as the number of tracked rate-limit keys
func (m *Metrics) TrackKeys(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ratelimit_keys",
		Help:      "Client keys currently tracked by the rate limiter.",
	}, func() float64 { return float64(fn()) }))
}
