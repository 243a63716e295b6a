package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkovacs/passage/internal/broker"
)

// HealthHandler reports process readiness including broker reachability.
type HealthHandler struct {
	broker broker.Broker
}

// NewHealthHandler builds the handler.
func NewHealthHandler(b broker.Broker) *HealthHandler {
	return &HealthHandler{broker: b}
}

// GetHealth handles GET /health. A down broker degrades the response to
// 503 so load balancers stop routing new connections here.
func (h *HealthHandler) GetHealth(c *gin.Context) {
	health := h.broker.Ping(c.Request.Context())

	status := http.StatusOK
	overall := "ok"
	if health.Status != broker.StatusHealthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status": overall,
		"broker": health,
	})
}
