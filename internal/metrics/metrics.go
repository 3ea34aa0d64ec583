// Package metrics holds the prometheus collectors exported by the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use through a nil pointer, in which case nothing is
// recorded.
type Metrics struct {
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	secrets         *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	sweepErrors     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		secrets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipher_share_secrets_total",
				Help: "Encode and decode attempts by outcome.",
			},
			[]string{"op", "outcome"},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipher_share_evictions_total",
				Help: "Records physically removed by the sweeper.",
			},
			[]string{"collection"},
		),
		sweepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipher_share_sweep_errors_total",
				Help: "Failed eviction passes.",
			},
			[]string{"collection"},
		),
	}

	for _, c := range []prometheus.Collector{m.requestCount, m.requestDuration, m.secrets, m.evictions, m.sweepErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SecretOutcome counts one encode or decode attempt.
func (m *Metrics) SecretOutcome(op, outcome string) {
	if m == nil {
		return
	}
	m.secrets.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Evicted(collection string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.WithLabelValues(collection).Add(float64(n))
}

func (m *Metrics) SweepFailed(collection string) {
	if m == nil {
		return
	}
	m.sweepErrors.WithLabelValues(collection).Inc()
}

// Middleware records request counts and latency labelled by the matched
// route pattern, so /api/posts/{id} stays one series.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Exclude /metrics from being counted
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.requestCount.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
