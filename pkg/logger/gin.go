package logger

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	ginLoggerKey    = "logger"
)

// Middleware tags each request with a request id, exposes a request-scoped
// logger through both the gin context and the request context, and writes one
// summary line per request. 5xx or recorded errors log at error, 4xx at warn.
func Middleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := requestID(c)
		c.Writer.Header().Set(headerRequestID, rid)

		l := base.With("request_id", rid)
		if callID := c.Param("call_id"); callID != "" {
			l = l.With("path_call_id", callID)
		}
		Attach(c, l)

		c.Next()

		// Later middleware (auth) may have enriched the logger.
		l = FromGin(c)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", float64(time.Since(start).Milliseconds()),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		l.Log(context.Background(), summaryLevel(status, len(c.Errors) > 0), "request", attrs...)
	}
}

func requestID(c *gin.Context) string {
	if rid := c.GetHeader(headerRequestID); rid != "" && len(rid) <= 128 {
		return rid
	}
	return uuid.NewString()
}

func summaryLevel(status int, hasErrors bool) slog.Level {
	switch {
	case hasErrors || status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Attach makes l the request-scoped logger for the rest of the chain.
func Attach(c *gin.Context, l *slog.Logger) {
	c.Set(ginLoggerKey, l)
	c.Request = c.Request.WithContext(With(c.Request.Context(), l))
}

// FromGin pulls the request-scoped logger from Gin context.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ginLoggerKey); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
