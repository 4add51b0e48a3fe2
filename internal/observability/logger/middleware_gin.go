package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/evvbridge/pkg/log/ctxlogger"
	"github.com/smallbiznis/evvbridge/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// GinMiddleware assigns a correlation id to each request and logs it once
// finished. The id is echoed back and forwarded to the aggregator.
func GinMiddleware(base *zap.Logger) gin.HandlerFunc {
	if base == nil {
		base = zap.NewNop()
	}
	base = base.Named("http")
	return func(c *gin.Context) {
		start := time.Now()

		cid := strings.TrimSpace(c.GetHeader(correlation.Header))
		ctx := correlation.ContextWithCorrelationID(c.Request.Context(), cid)
		ctx, cid = correlation.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(correlation.Header, cid)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes_out", normalizeSize(c.Writer.Size())),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.String("error", lastErr.Error()))
		}

		log := ctxlogger.WithContext(c.Request.Context(), base)
		switch {
		case route == "/metrics" || route == "/health":
			log.Debug("http_request", fields...)
		case status >= http.StatusInternalServerError:
			log.Error("http_request", fields...)
		default:
			log.Info("http_request", fields...)
		}
	}
}

func normalizeSize(value int) int {
	if value < 0 {
		return 0
	}
	return value
}
