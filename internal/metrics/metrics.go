package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airdrop_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Social API metrics
	SocialRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_social_requests_total",
			Help: "Total number of social API requests",
		},
		[]string{"endpoint", "outcome"}, // "ok", "rate_limited", "failed", "error"
	)

	ParticipationCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_participation_cache_total",
			Help: "Participation cache lookups",
		},
		[]string{"result"}, // "hit", "miss"
	)

	// Payout metrics
	Payouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_payouts_total",
			Help: "Payout attempts by outcome",
		},
		[]string{"outcome"}, // "paid", "already_paid", "released", "ambiguous", "rejected"
	)

	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_reconcile_runs_total",
			Help: "Reconciler passes by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "airdrop_reconcile_duration_seconds",
			Help:    "Duration of reconciler passes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 500ms to ~68m
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func RecordReconcile(duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	ReconcileRuns.WithLabelValues(outcome).Inc()
	ReconcileDuration.Observe(duration.Seconds())
}
