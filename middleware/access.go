package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// quietPaths are logged at debug level only.
var quietPaths = map[string]bool{"/health": true}

// Logger writes one access line per request. Server errors log at error
// level, client errors at warn, the rest at info.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := zapcore.InfoLevel
		switch {
		case status >= http.StatusInternalServerError:
			level = zapcore.ErrorLevel
		case status >= http.StatusBadRequest:
			level = zapcore.WarnLevel
		case quietPaths[c.FullPath()]:
			level = zapcore.DebugLevel
		}
		if ce := log.Check(level, "http"); ce != nil {
			fields := []zap.Field{
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", status),
				zap.Duration("latency", time.Since(start)),
				zap.String("trace_id", GetTraceID(c)),
				zap.String("client_ip", c.ClientIP()),
			}
			if uid := GetUserID(c); uid != 0 {
				fields = append(fields, zap.Int64("user_id", uid))
			}
			if len(c.Errors) > 0 {
				fields = append(fields, zap.String("errors", strings.TrimSpace(c.Errors.String())))
			}
			ce.Write(fields...)
		}
	}
}

// Recovery turns a handler panic into a 500 carrying the trace id. A panic
// after the response was started only aborts the chain.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if r == http.ErrAbortHandler {
				panic(r)
			}
			log.Error("panic recovered",
				zap.Any("panic", r),
				zap.String("trace_id", GetTraceID(c)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Stack("stack"),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":    "internal server error",
				"code":     "internal",
				"trace_id": GetTraceID(c),
			})
		}()
		c.Next()
	}
}
