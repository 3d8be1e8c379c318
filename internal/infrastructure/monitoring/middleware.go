package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		// Get request size
		reqSize := c.Request.ContentLength
		if reqSize < 0 {
			reqSize = 0
		}

		// Process request
		c.Next()

		// route template keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())
		respSize := int64(c.Writer.Size())
		if respSize < 0 {
			respSize = 0
		}

		metrics.RecordHTTPRequest(method, path, status, duration, reqSize, respSize)
	}
}

// Timer measures job duration
type Timer struct {
	start   time.Time
	metrics *Metrics
	queue   string
	name    string
}

// NewTimer creates a new timer and marks a job active
func NewTimer(metrics *Metrics, queue, name string) *Timer {
	if metrics != nil {
		metrics.JobsActive.WithLabelValues(queue).Inc()
	}
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		queue:   queue,
		name:    name,
	}
}

// Stop records the duration and marks the job inactive
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)
	if t.metrics != nil {
		t.metrics.JobsActive.WithLabelValues(t.queue).Dec()
		t.metrics.JobDuration.WithLabelValues(t.queue, t.name).Observe(duration.Seconds())
	}
	return duration
}
