package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/services"
)

// RefreshPublisher fans a refresh request out to every engine instance.
type RefreshPublisher interface {
	PublishRefresh(ctx context.Context, reason string) (uuid.UUID, error)
}

// AdminHandler handles dataset refreshes and operational introspection.
type AdminHandler struct {
	reloader  services.DatasetReloader
	publisher RefreshPublisher
	engine    services.EngineInterface
	settings  any
	logger    *logrus.Logger
}

// NewAdminHandler creates a new admin handler. publisher may be nil when the
// refresh bus is disabled; settings is reported as-is by GetConfig.
func NewAdminHandler(reloader services.DatasetReloader, publisher RefreshPublisher, engine services.EngineInterface, settings any, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		reloader:  reloader,
		publisher: publisher,
		engine:    engine,
		settings:  settings,
		logger:    logger,
	}
}

type refreshRequest struct {
	Reason string `json:"reason" binding:"max=200"`
}

// Refresh handles POST /api/v1/admin/refresh. With ?async=true and a refresh
// bus configured the request is published and 202 returned; otherwise the
// datasets are reloaded in-process and the refresh report returned.
func (h *AdminHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}

	async, _ := strconv.ParseBool(c.DefaultQuery("async", "false"))
	if async {
		if h.publisher == nil {
			errorJSON(c, http.StatusConflict, "REFRESH_BUS_DISABLED", "Asynchronous refresh requires kafka to be enabled")
			return
		}
		id, err := h.publisher.PublishRefresh(c.Request.Context(), req.Reason)
		if err != nil {
			h.logger.WithError(err).Error("Failed to publish refresh request")
			errorJSON(c, http.StatusServiceUnavailable, "REFRESH_PUBLISH_FAILED", "Failed to publish refresh request")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"request_id": id,
			"status":     "queued",
		})
		return
	}

	report, err := h.reloader.Reload(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"generation": report.Generation,
		"reason":     req.Reason,
	}).Info("Datasets refreshed via admin API")
	c.JSON(http.StatusOK, report)
}

// Stats handles GET /api/v1/admin/stats
func (h *AdminHandler) Stats(c *gin.Context) {
	report, err := h.engine.Stats()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetConfig returns the effective runtime settings.
func (h *AdminHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": h.settings})
}
