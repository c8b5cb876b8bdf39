package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	obaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oba_registry_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	obaRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oba_registry_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	obaCertIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oba_certs_issued_total",
		Help: "Total leaf certificates issued.",
	})

	obaCertRevokedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oba_certs_revoked_total",
		Help: "Total leaf certificates revoked.",
	})

	obaAuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oba_auth_failures_total",
		Help: "Authentication failures by mechanism.",
	}, []string{"mechanism"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		obaRequestsTotal.WithLabelValues(method, path, status).Inc()
		obaRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordCertIssued records one leaf issuance.
func RecordCertIssued() { obaCertIssuedTotal.Inc() }

// RecordCertRevoked records n revocations.
func RecordCertRevoked(n int) { obaCertRevokedTotal.Add(float64(n)) }

// RecordAuthFailure records a failed authentication attempt.
func RecordAuthFailure(mechanism string) {
	obaAuthFailuresTotal.WithLabelValues(mechanism).Inc()
}
