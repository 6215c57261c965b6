package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"projectescrow/internal/escrow"
	"projectescrow/internal/handler"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

// NewRouter wires the escrow API. adminHandler may be nil when no outbox is configured.
func NewRouter(
	escrowHandler *handler.EscrowHandler,
	adminHandler *handler.AdminHandler,
	admin escrow.Identity,
	jwtSecret string,
	logger *zap.Logger,
	checks ...ReadinessCheck,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), RequestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for _, check := range checks {
			if err := check.Check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": check.Name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/projects", escrowHandler.RegisterProject)
		auth.GET("/projects/:id", escrowHandler.GetProject)
		auth.GET("/projects/:id/complete", escrowHandler.IsProjectComplete)
		auth.POST("/projects/:id/milestones/complete", escrowHandler.CompleteMilestone)
		auth.POST("/projects/:id/releases", escrowHandler.ReleaseFunding)

		if adminHandler != nil {
			adminGroup := auth.Group("/admin")
			adminGroup.Use(RequireAdmin(admin))
			adminGroup.POST("/outbox/:id/replay", adminHandler.ReplayOutboxEvent)
			adminGroup.POST("/outbox/replay-failed", adminHandler.ReplayFailedEvents)
		}
	}

	return &Router{Engine: r}
}

func (r *Router) Handler() http.Handler {
	return r.Engine
}
