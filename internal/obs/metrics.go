package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authorizeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_authorize_decisions_total",
			Help: "Access gate decisions by outcome and reason.",
		},
		[]string{"outcome", "reason"},
	)

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_session_transitions_total",
			Help: "SSO session lifecycle transitions.",
		},
		[]string{"service", "to"},
	)

	downstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sso_downstream_call_duration_seconds",
			Help:    "Latency of proxied downstream service calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "operation", "outcome"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sso_ready",
		Help: "1 when the readiness probe last succeeded.",
	})
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authorizeDecisions, sessionTransitions, downstreamDuration, ready,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthorize counts one gate decision.
func ObserveAuthorize(outcome, reason string) {
	if reason == "" {
		reason = "none"
	}
	authorizeDecisions.WithLabelValues(outcome, reason).Inc()
}

// ObserveSessionTransition counts a lifecycle change into state `to`.
func ObserveSessionTransition(service, to string) {
	sessionTransitions.WithLabelValues(service, to).Inc()
}

// ObserveDownstream records the latency of one downstream call.
func ObserveDownstream(service, operation, outcome string, d time.Duration) {
	downstreamDuration.WithLabelValues(service, operation, outcome).Observe(d.Seconds())
}

// SetReady mirrors the readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers so that metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "sso" && parts[2] == "sessions":
		parts[3] = ":id"
	case len(parts) >= 5 && parts[0] == "v1" && parts[1] == "services":
		parts[4] = ":id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "users":
		parts[2] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
