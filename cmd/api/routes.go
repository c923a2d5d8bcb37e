package main

import (
	"net/http"

	"audit-ledger/internal/app"
	"audit-ledger/internal/httpapi"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app.App, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := a.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})))

	h := httpapi.Handlers{Ledger: a.Ledger, Reports: a.Reports}
	if a.VerifySlots != nil {
		h.VerifySlots = a.VerifySlots
	}

	// Request auditing wraps auth so rejected tokens are recorded too.
	v1 := r.Group("/v1")
	v1.Use(httpapi.AuditRequests(a.Ledger, httpapi.RequestAuditOptions{SkipPaths: httpapi.DefaultSkipPaths}))
	v1.Use(authMW)
	h.Register(v1)
}
