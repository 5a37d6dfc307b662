package handlers

import (
	"net/http"

	"github.com/NomadCrew/order-push-backend/types"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	healthService HealthChecker
}

func NewHealthHandler(healthService HealthChecker) *HealthHandler {
	return &HealthHandler{
		healthService: healthService,
	}
}

// LivenessCheck handles kubernetes liveness probe
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.Status(http.StatusOK)
}

// ReadinessCheck answers 503 while a required component is down.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	health := h.healthService.CheckHealth(c.Request.Context())
	if health.Status == types.HealthStatusDown {
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}
	c.JSON(http.StatusOK, health)
}

// DetailedHealth reports every component regardless of status.
func (h *HealthHandler) DetailedHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.healthService.CheckHealth(c.Request.Context()))
}
