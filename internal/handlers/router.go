package handlers

import (
	"github.com/asakaida/habilis/internal/infrastructure/metrics"
	"github.com/gin-gonic/gin"
)

// NewRouter wires middleware and routes into a gin engine.
// collector may be nil to disable request metrics.
func NewRouter(membership *MembershipHandler, health *HealthHandler, collector *metrics.Collector, exporter *metrics.PrometheusExporter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), AccessLog())
	if collector != nil {
		router.Use(metrics.GinMiddleware(collector, exporter))
	}

	router.GET("/healthz", health.Healthz)
	membership.Register(router.Group("/api"))

	return router
}
