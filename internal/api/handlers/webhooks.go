package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printconsole/internal/webhook"
)

type WebhookHandler struct {
	sender *webhook.WebhookSender
}

type WebhookResponse struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	HasSecret bool     `json:"has_secret"`
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewWebhookHandler(sender *webhook.WebhookSender) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	endpoints := h.sender.Endpoints()
	resp := make([]WebhookResponse, 0, len(endpoints))
	for _, ep := range endpoints {
		events := ep.Events
		if events == nil {
			events = []string{}
		}
		resp = append(resp, WebhookResponse{
			Name:      ep.Name,
			URL:       ep.URL,
			Events:    events,
			HasSecret: ep.Secret != "",
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	err := h.sender.Test(c.Param("name"))
	if errors.Is(err, webhook.ErrUnknownEndpoint) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Webhook not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, TestWebhookResponse{
			Success: false,
			Message: "Failed to send webhook: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, TestWebhookResponse{Success: true, Message: "Webhook test successful"})
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks/:name/test", h.TestWebhook)
}
