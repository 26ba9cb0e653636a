package handlers

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDKey     = "requestID"
	correlationIDKey = "correlationID"

	maxCorrelationIDLen = 128
)

// RequestID assigns every request a server generated identifier. A caller
// supplied X-Request-ID is kept only as a correlation id and echoed back in
// X-Correlation-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if correlationID := sanitizeCorrelationID(c.GetHeader(RequestIDHeader)); correlationID != "" {
			c.Set(correlationIDKey, correlationID)
			c.Header(CorrelationIDHeader, correlationID)
		}
		requestID := uuid.NewString()
		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

func sanitizeCorrelationID(value string) string {
	value = strings.TrimSpace(value)
	if len(value) > maxCorrelationIDLen {
		return ""
	}
	for _, r := range value {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return value
}

// AccessLog writes one structured line per request.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if requestID := c.GetString(requestIDKey); requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}
		if correlationID := c.GetString(correlationIDKey); correlationID != "" {
			fields = append(fields, zap.String("correlation_id", correlationID))
		}
		logger.Info("request handled", fields...)
	}
}

func requestIDFrom(c *gin.Context) string {
	if requestID := c.GetString(requestIDKey); requestID != "" {
		return requestID
	}
	requestID := uuid.NewString()
	c.Set(requestIDKey, requestID)
	c.Header(RequestIDHeader, requestID)
	return requestID
}
