package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ResolvesTotal      *prometheus.CounterVec
	ResolveErrorsTotal *prometheus.CounterVec
	ResolveDuration    prometheus.Histogram
	ClusterSize        prometheus.Histogram
	HTTPRequestsTotal  *prometheus.CounterVec
}

// New registers the service collectors, plus Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ResolvesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_resolves_total",
			Help: "Total number of successful identity resolves by outcome",
		}, []string{"outcome"}),
		ResolveErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_resolve_errors_total",
			Help: "Total number of failed identity resolves by error kind",
		}, []string{"kind"}),
		ResolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_resolve_duration_seconds",
			Help:    "Time spent resolving an observation, including the transaction",
			Buckets: prometheus.DefBuckets,
		}),
		ClusterSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_cluster_size",
			Help:    "Number of live contacts in the resolved cluster",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_http_requests_total",
			Help: "Total number of HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) ObserveResolve(outcome string, duration time.Duration, clusterSize int) {
	m.ResolvesTotal.WithLabelValues(outcome).Inc()
	m.ResolveDuration.Observe(duration.Seconds())
	m.ClusterSize.Observe(float64(clusterSize))
}

func (m *Metrics) IncResolveError(kind string) {
	m.ResolveErrorsTotal.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
