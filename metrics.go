package ecity

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the gateway's prometheus collectors, registered on their own registry so
// several gateways can live in one process.
type Metrics struct {
	Registry        *prometheus.Registry
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UpstreamErrors  *prometheus.CounterVec
	GateRejections  *prometheus.CounterVec
	Sessions        prometheus.Gauge
}

// NewMetrics creates and registers the gateway collectors on registry.
// A nil registry gets a fresh one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := &Metrics{
		Registry: registry,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecity_proxy_requests_total",
			Help: "Requests relayed to the backend, by status returned to the caller",
		}, []string{"app", "method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecity_proxy_request_duration_seconds",
			Help:    "Time spent relaying a request to the backend",
			Buckets: prometheus.DefBuckets,
		}, []string{"app"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecity_proxy_upstream_errors_total",
			Help: "Requests where the backend could not be reached",
		}, []string{"app"}),
		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecity_gate_rejections_total",
			Help: "Requests rejected by the permission gate",
		}, []string{"app", "reason"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ecity_sessions",
			Help: "Stored auth bridge sessions after the last sweep",
		}),
	}
	registry.MustRegister(
		metrics.Requests,
		metrics.RequestDuration,
		metrics.UpstreamErrors,
		metrics.GateRejections,
		metrics.Sessions,
	)
	return metrics
}

// Handler serves the registry in the prometheus text format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{Registry: metrics.Registry})
}
