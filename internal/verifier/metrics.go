package verifier

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	obaVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oba_verifications_total",
		Help: "Verification decisions by outcome code (allow for success).",
	}, []string{"outcome"})

	obaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oba_verifier_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	obaRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oba_verifier_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// recordOutcome counts one verification decision.
func recordOutcome(r Result) {
	outcome := "allow"
	if !r.Verified {
		outcome = string(r.Error)
	}
	obaVerificationsTotal.WithLabelValues(outcome).Inc()
}

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		obaRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		obaRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
