package main

import (
	"database/sql"

	"callbridge/internal/httpapi"
	"callbridge/internal/metrics"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	db       *sql.DB
	authMW   gin.HandlerFunc
	limiter  *httpapi.RateLimiter
	handlers httpapi.Handlers
	webhooks httpapi.WebhookHandlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/readyz", readiness(d.db))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Provider webhooks (public).
	// NOTE: Twilio request signature validation is not enforced yet.
	d.webhooks.Register(r.Group("/v1/phone"))

	v1 := r.Group("/v1")
	v1.Use(d.limiter.Middleware())

	// AUTH routes (token issuance).
	v1.POST("/auth/login", d.handlers.Login)
	v1.POST("/auth/refresh", d.handlers.Refresh)

	// protected operator API
	phone := v1.Group("/phone")
	phone.Use(d.authMW)
	{
		phone.POST("/call", httpapi.RequireOperator(), d.handlers.StartCall)
		phone.GET("/status/:call_id", httpapi.RequireViewer(), d.handlers.CallStatus)
		phone.GET("/calls/:call_id/events", httpapi.RequireViewer(), d.handlers.CallEvents)
		phone.GET("/calls/:call_id/audit", httpapi.RequireAdmin(), d.handlers.CallAudit)
		phone.GET("/reports/calls", httpapi.RequireAnalyst(), d.handlers.CallsReport)
	}
}
