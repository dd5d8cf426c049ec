// Package metrics owns the Prometheus collectors exported at /metrics.
//
// All recording methods are safe to call on a nil *Metrics so that tests and
// tools can run without a registry.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "naturecms"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	rateLimitRejected  *prometheus.CounterVec
	rateLimitStoreErrs prometheus.Counter
	csrfRejected       prometheus.Counter
	uploads            *prometheus.CounterVec
	sessionsDestroyed  prometheus.Counter
}

// New builds the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected with 429 by rate-limit policy.",
		}, []string{"policy"}),
		rateLimitStoreErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_store_errors_total",
			Help:      "Rate limiter store failures.",
		}),
		csrfRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_rejections_total",
			Help:      "Requests rejected by the CSRF guard.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Processed uploads by kind and result.",
		}, []string{"kind", "result"}),
		sessionsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Sessions removed by log-out-everywhere operations.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.rateLimitRejected,
		m.rateLimitStoreErrs,
		m.csrfRejected,
		m.uploads,
		m.sessionsDestroyed,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RateLimited(policy string) {
	if m == nil {
		return
	}
	m.rateLimitRejected.WithLabelValues(policy).Inc()
}

func (m *Metrics) RateLimitStoreError() {
	if m == nil {
		return
	}
	m.rateLimitStoreErrs.Inc()
}

func (m *Metrics) CSRFRejected() {
	if m == nil {
		return
	}
	m.csrfRejected.Inc()
}

func (m *Metrics) Upload(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.uploads.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SessionsDestroyed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsDestroyed.Add(float64(n))
}
