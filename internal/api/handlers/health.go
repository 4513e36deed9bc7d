package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printconsole/internal/core"
)

type ConnectionState interface {
	Connected() bool
}

type SessionState interface {
	Authenticated() bool
	ExpiresAt() time.Time
}

type HealthResponse struct {
	Status           string      `json:"status"`
	ChannelConnected bool        `json:"channel_connected"`
	Authenticated    bool        `json:"authenticated"`
	TokenExpiresAt   *time.Time  `json:"token_expires_at,omitempty"`
	Data             core.Health `json:"data"`
	Timestamp        time.Time   `json:"timestamp"`
}

type HealthHandler struct {
	reconciler *core.Reconciler
	channel    ConnectionState
	session    SessionState
}

func NewHealthHandler(reconciler *core.Reconciler, channel ConnectionState, session SessionState) *HealthHandler {
	return &HealthHandler{reconciler: reconciler, channel: channel, session: session}
}

// GetHealth always answers 200. Status carries the degradation.
func (h *HealthHandler) GetHealth(c *gin.Context) {
	health := h.reconciler.Health()
	resp := HealthResponse{
		Status:    "ok",
		Data:      health,
		Timestamp: time.Now(),
	}

	if h.channel != nil {
		resp.ChannelConnected = h.channel.Connected()
	}
	resp.Authenticated = !health.AuthExpired
	if h.session != nil {
		resp.Authenticated = resp.Authenticated && h.session.Authenticated()
		if exp := h.session.ExpiresAt(); !exp.IsZero() {
			resp.TokenExpiresAt = &exp
		}
	}

	switch {
	case !resp.Authenticated:
		resp.Status = "unauthenticated"
	case health.Stale || (h.channel != nil && !resp.ChannelConnected):
		resp.Status = "degraded"
	}

	c.JSON(http.StatusOK, resp)
}

func (h *HealthHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.GetHealth)
}
