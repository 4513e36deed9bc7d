package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printconsole/internal/config"
	"github.com/orrn/printconsole/internal/db"
)

type SettingsHandler struct {
	config  *config.Config
	journal *db.Journal
}

type ServerConfigResponse struct {
	Port               int    `json:"port"`
	BackendURL         string `json:"backend_url"`
	ChannelURL         string `json:"channel_url"`
	DatabasePath       string `json:"database_path"`
	QueueInterval      string `json:"queue_interval"`
	PrinterInterval    string `json:"printer_interval"`
	RefreshDebounce    string `json:"refresh_debounce"`
	StaleAfterFailures int    `json:"stale_after_failures"`
	AverageJobDuration string `json:"average_job_duration"`
	WebhookEndpoints   int    `json:"webhook_endpoints"`
	LogLevel           string `json:"log_level"`
	LogFormat          string `json:"log_format"`
}

type ListAuditQuery struct {
	Action     string `form:"action"`
	EntityType string `form:"entity_type"`
	EntityID   string `form:"entity_id"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset     int    `form:"offset" binding:"omitempty,min=0"`
}

func NewSettingsHandler(cfg *config.Config, journal *db.Journal) *SettingsHandler {
	return &SettingsHandler{config: cfg, journal: journal}
}

func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	channelURL, err := h.config.ChannelURL()
	if err != nil {
		channelURL = ""
	}
	c.JSON(http.StatusOK, ServerConfigResponse{
		Port:               h.config.Server.Port,
		BackendURL:         h.config.Backend.BaseURL,
		ChannelURL:         channelURL,
		DatabasePath:       h.config.Database.Path,
		QueueInterval:      h.config.Polling.QueueInterval.String(),
		PrinterInterval:    h.config.Polling.PrinterInterval.String(),
		RefreshDebounce:    h.config.Polling.RefreshDebounce.String(),
		StaleAfterFailures: h.config.Polling.StaleAfterFailures,
		AverageJobDuration: h.config.Projection.AverageJobDuration.String(),
		WebhookEndpoints:   len(h.config.Webhooks.Endpoints),
		LogLevel:           h.config.Logging.Level,
		LogFormat:          h.config.Logging.Format,
	})
}

func (h *SettingsHandler) ListAuditLogs(c *gin.Context) {
	var query ListAuditQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}
	if query.Limit == 0 {
		query.Limit = 50
	}

	if h.journal == nil {
		c.JSON(http.StatusOK, []*db.AuditLog{})
		return
	}

	logs, err := h.journal.Audit.ListAuditLogs(c.Request.Context(), db.AuditFilter{
		Action:     query.Action,
		EntityType: query.EntityType,
		EntityID:   query.EntityID,
	}, query.Limit, query.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to list audit logs",
		})
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings/server", h.GetServerConfig)
	r.GET("/audit", h.ListAuditLogs)
}
