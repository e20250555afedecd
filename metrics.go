package tinyids

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "tinyids"

// Metrics holds the server's Prometheus collectors on a private registry,
// so several servers in one process (tests) never collide.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	decryptFailures prometheus.Counter
	rateLimited     prometheus.Counter
	connections     prometheus.Gauge
}

// NewMetrics creates and registers the server collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests answered, by command and status code.",
		}, []string{"command", "status"}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decrypt_failures_total",
			Help:      "Requests rejected because they could not be decrypted.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_connections_total",
			Help:      "Connections closed by the per-client rate limit.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Connections currently being served.",
		}),
	}
	reg.MustRegister(
		m.requests,
		m.decryptFailures,
		m.rateLimited,
		m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) observeRequest(cmd Command, status Status) {
	name := string(cmd)
	if name == "" {
		name = "unknown"
	}
	m.requests.WithLabelValues(name, statusLabel(status)).Inc()
}

func statusLabel(s Status) string {
	return strconv.Itoa(int(s))
}

// Router serves /metrics and /healthz. healthy reports whether the server
// is accepting connections.
func (m *Metrics) Router(healthy func() bool) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil && !healthy() {
			http.Error(w, "not serving", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}
