// Package metrics holds the Prometheus collectors shared by the dev node and
// the CLI.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factom_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factom_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factom_commits_total",
		Help: "Total commits by kind (entry, chain) and result.",
	}, []string{"kind", "result"})

	revealsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factom_reveals_total",
		Help: "Total reveals by kind (entry, chain) and result.",
	}, []string{"kind", "result"})

	blocksSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factom_blocks_sealed_total",
		Help: "Total entry blocks sealed.",
	})

	walkBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factom_walk_blocks_total",
		Help: "Total entry blocks fetched by chain walks.",
	})
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
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordCommit records a commit attempt of the given kind.
func RecordCommit(kind string, success bool) {
	commitsTotal.WithLabelValues(kind, result(success)).Inc()
}

// RecordReveal records a reveal attempt of the given kind.
func RecordReveal(kind string, success bool) {
	revealsTotal.WithLabelValues(kind, result(success)).Inc()
}

// RecordPublish has the signature of publish.MetricsRecordFunc and routes
// each phase to its counter. Unknown phases are ignored.
func RecordPublish(kind, phase string, success bool) {
	switch phase {
	case "commit":
		RecordCommit(kind, success)
	case "reveal":
		RecordReveal(kind, success)
	}
}

// RecordBlocksSealed adds n sealed blocks.
func RecordBlocksSealed(n int) {
	if n > 0 {
		blocksSealedTotal.Add(float64(n))
	}
}

// RecordWalk has the signature of walker.MetricsRecordFunc.
func RecordWalk(blocks int) {
	if blocks > 0 {
		walkBlocksTotal.Add(float64(blocks))
	}
}
