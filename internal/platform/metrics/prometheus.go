package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Outbound API client metrics
	clientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medtrack_client_requests_total",
			Help: "Total number of backend requests issued by the client",
		},
		[]string{"op", "outcome"},
	)

	clientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medtrack_client_request_duration_seconds",
			Help:    "Backend request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	// HTTP server metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medtrack_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medtrack_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	followUpTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medtrack_followup_transitions_total",
			Help: "Follow-up state transitions by action and result",
		},
		[]string{"action", "result"},
	)

	followUpsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medtrack_followups_created_total",
			Help: "Follow-ups created, by reason and origin (manual or scan)",
		},
		[]string{"reason", "origin"},
	)

	intakeLogged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medtrack_intake_logged_total",
			Help: "Medication intake logs recorded",
		},
	)
)

// ObserveClientRequest records one backend call. outcome is "ok" or the
// error class ("network", "api", "conflict").
func ObserveClientRequest(op, outcome string, d time.Duration) {
	clientRequestsTotal.WithLabelValues(op, outcome).Inc()
	clientRequestDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordTransition counts a follow-up complete/cancel attempt.
func RecordTransition(action, result string) {
	followUpTransitions.WithLabelValues(action, result).Inc()
}

// RecordFollowUpCreated counts created follow-ups.
func RecordFollowUpCreated(reason, origin string, n int) {
	if n <= 0 {
		return
	}
	followUpsCreated.WithLabelValues(reason, origin).Add(float64(n))
}

// RecordIntake counts a logged dose.
func RecordIntake() {
	intakeLogged.Inc()
}

// Middleware records request count and latency per route template.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method

			httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
