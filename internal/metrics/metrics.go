// Package metrics exposes Prometheus instrumentation for the request
// pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the request collectors on a private registry so the
// exposition surface carries only what this server registers.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    prometheus.Counter
	inflight prometheus.Gauge
}

// New builds and registers the collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "staticserve_requests_total",
			Help: "Requests served, labeled by method and status code.",
		}, []string{"method", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "staticserve_request_duration_seconds",
			Help:    "Request handling latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "staticserve_response_bytes_total",
			Help: "Body bytes written to clients.",
		}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "staticserve_inflight_requests",
			Help: "Requests currently being handled.",
		}),
	}
}

// RequestStarted marks one request in flight.
func (m *Metrics) RequestStarted() { m.inflight.Inc() }

// RequestFinished records the outcome of a completed request.
func (m *Metrics) RequestFinished(method string, status int, bytes int64, elapsed time.Duration) {
	m.inflight.Dec()
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
	m.bytes.Add(float64(bytes))
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
