package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/docpipe/docpipe/api/handlers"
	"github.com/docpipe/docpipe/api/middleware"
)

// SetupRoutes wires all API routes.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers) {
	r.Use(middleware.CORS())

	v1 := r.Group("/api/v1")

	workflows := v1.Group("/workflows")
	{
		workflows.POST("", h.Workflow.Submit)
		workflows.GET("/:id", h.Workflow.Get)
		workflows.GET("/:id/steps", h.Workflow.ListSteps)
		workflows.DELETE("/:id", h.Workflow.Cancel)
	}

	v1.GET("/ratelimit/:key", h.Workflow.RateLimitStatus)
}
