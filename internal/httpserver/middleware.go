package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"projectescrow/internal/escrow"
	"projectescrow/internal/handler"
	"projectescrow/internal/util"
	"projectescrow/pkg/logger"
	"projectescrow/pkg/metrics"
	"projectescrow/pkg/trace"
)

// AuthMiddleware stores the token subject as the caller identity.
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		identity, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(handler.CallerKey, escrow.Identity(identity))
		c.Next()
	}
}

// RequireAdmin lets only the registry admin through.
func RequireAdmin(admin escrow.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, _ := c.Get(handler.CallerKey)
		if admin == "" || caller != admin {
			c.JSON(http.StatusForbidden, gin.H{"error": escrow.ErrUnauthorized.Error(), "code": escrow.ErrUnauthorized.Code})
			c.Abort()
			return
		}
		c.Next()
	}
}

// TraceMiddleware reuses the caller's X-Trace-ID or starts a new trace.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetHeader(trace.HeaderName); id != "" {
			ctx = trace.WithContext(ctx, id)
		}
		ctx, traceID := trace.Ensure(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName, traceID)
		c.Next()
	}
}

// RequestLogger logs each request and records its latency.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start)
		status := c.Writer.Status()
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(status), duration)

		logger.WithTrace(c.Request.Context(), log).Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("took", duration),
		)
	}
}
