package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker reports whether the association store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler exposes store health over HTTP and the gRPC health protocol
type HealthHandler struct {
	checker HealthChecker
	server  *health.Server
}

// NewHealthHandler creates a new HealthHandler. A nil checker is always healthy.
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{
		checker: checker,
		server:  health.NewServer(),
	}
}

// Server returns the gRPC health service to register
func (h *HealthHandler) Server() healthpb.HealthServer {
	return h.server
}

// Healthz handles GET /healthz
func (h *HealthHandler) Healthz(c *gin.Context) {
	if err := h.check(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Refresh runs one check and publishes the result to the gRPC health service
func (h *HealthHandler) Refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.check(ctx); err != nil {
		log.Printf("health check failed: %v", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
}

// Watch refreshes the gRPC health status every interval until ctx is done,
// then marks the service as not serving.
func (h *HealthHandler) Watch(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

func (h *HealthHandler) check(ctx context.Context) error {
	if h.checker == nil {
		return nil
	}
	return h.checker.HealthCheck(ctx)
}
