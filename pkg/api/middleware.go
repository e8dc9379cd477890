package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// RequestLogger logs one line per request with status and latency
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NewLogger("api")
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
			logger.Error("Request failed", fields)
			return
		}
		logger.Info("Request handled", fields)
	}
}

// MetricsMiddleware records per-route request counters and latency
func MetricsMiddleware(metrics observability.MetricsClient) gin.HandlerFunc {
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": statusClass(c.Writer.Status()),
		}
		metrics.IncrementCounterWithLabels("api_requests_total", 1, labels)
		metrics.RecordHistogram("api_request_duration_ms",
			float64(time.Since(start).Milliseconds()), labels)
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// CORSMiddleware allows cross-origin access to the admin surface
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
