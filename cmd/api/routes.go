package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callrelay/internal/ingest"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, api ingest.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// PBX webhook (public). Tenancy is carried by the event token; unknown
	// tokens are accepted for audit but produce no notifications.
	r.POST("/webhooks/pbx/events", api.HandleWebhook)

	// protected query API
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		calls := v1.Group("/calls")
		{
			calls.GET("/:id/events", api.GetCallEvents)
			calls.GET("/:id/metadata", api.GetCallMetadata)
			calls.GET("/:id/history", api.GetCallHistory)
		}

		engine := v1.Group("/engine")
		{
			engine.GET("/health", api.GetEngineHealth)
			engine.GET("/cache-stats", api.GetCacheStats)
			engine.POST("/flush-derived", api.FlushDerived)
		}
	}
}
