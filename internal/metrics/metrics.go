package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	CommissionLevelsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refengine_commission_levels_total",
			Help: "Commission levels evaluated, by outcome",
		},
		[]string{"outcome"},
	)

	CreditedBSKTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refengine_credited_bsk_total",
			Help: "BSK credited by the engine, by balance pool",
		},
		[]string{"pool"},
	)

	DistributionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refengine_distribution_duration_seconds",
			Help:    "Histogram of distribution walk durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	MilestoneClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refengine_milestone_claims_total",
			Help: "Milestone evaluations per definition, by outcome",
		},
		[]string{"outcome"},
	)

	QueueEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refengine_queue_events_total",
			Help: "Trigger events handled by the worker",
		},
		[]string{"kind", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refengine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refengine_http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func ObserveLevel(outcome string) {
	CommissionLevelsTotal.WithLabelValues(outcome).Inc()
}

func ObserveCredit(pool string, amount decimal.Decimal) {
	f, _ := amount.Float64()
	CreditedBSKTotal.WithLabelValues(pool).Add(f)
}

func ObserveDistribution(result string, started time.Time) {
	DistributionDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
}

func ObserveMilestone(outcome string) {
	MilestoneClaimsTotal.WithLabelValues(outcome).Inc()
}

func ObserveQueueEvent(kind, outcome string) {
	QueueEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPResponseTime.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
	})
}
