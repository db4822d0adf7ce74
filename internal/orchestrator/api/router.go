// Package api exposes the admin snapshot surface: service health,
// readiness, the runtime fleet, and recent incidents.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/internal/common/logger"
)

// SetupRoutes configures the admin API routes.
func SetupRoutes(router *gin.Engine, handler *Handler, log *logger.Logger) {
	router.GET("/healthz", handler.Healthz)
	router.GET("/readyz", handler.Readyz)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/runtimes", handler.ListRuntimes)
		v1.GET("/incidents", handler.ListIncidents)

		runtimes := v1.Group("/runtimes/:runtimeId")
		{
			runtimes.GET("", handler.GetRuntime)
			runtimes.POST("/drain", handler.DrainRuntime)
			runtimes.POST("/restart", handler.RestartRuntime)
			runtimes.POST("/recycle", handler.RecycleRuntime)
		}
	}
}
