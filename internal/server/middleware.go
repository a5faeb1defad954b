package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the correlation id in and out.
	RequestIDHeader = "X-Request-ID"
	// APIKeyHeader carries the caller's API key.
	APIKeyHeader = "X-API-Key"

	requestIDKey = "request_id"
)

// RequestID takes the correlation id from X-Request-ID or generates one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// APIKey rejects requests without the expected key. An empty key disables
// the check.
func APIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := c.GetHeader(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
			return
		}
		c.Next()
	}
}

// Logging logs every request with slog.
func Logging(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(requestIDKey),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("http_request", attrs...)
		} else {
			logger.Debug("http_request", attrs...)
		}
	}
}
