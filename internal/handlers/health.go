package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/services"
)

// statusCodes maps an overall health status to its HTTP code. Degraded still
// serves traffic, so it reports 200.
var statusCodes = map[string]int{
	"healthy":   http.StatusOK,
	"degraded":  http.StatusOK,
	"unhealthy": http.StatusServiceUnavailable,
}

type HealthHandler struct {
	logger        *logrus.Logger
	healthService services.HealthChecker
}

func NewHealthHandler(logger *logrus.Logger, healthService services.HealthChecker) *HealthHandler {
	return &HealthHandler{
		logger:        logger,
		healthService: healthService,
	}
}

// Check handles GET /health with the full per-dependency report.
func (h *HealthHandler) Check(c *gin.Context) {
	status := h.healthService.CheckHealth(c.Request.Context())

	code, ok := statusCodes[status.Status]
	if !ok {
		code = http.StatusInternalServerError
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(code, status)
}

// Ready reports whether a dataset generation is being served.
func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.healthService.CheckHealth(c.Request.Context())
	c.Header("Cache-Control", "no-store")
	if len(status.Critical) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "failures": status.Critical})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
