package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printconsole/internal/core"
	"github.com/orrn/printconsole/internal/logging"
)

type ViewHandler struct {
	reconciler *core.Reconciler
	log        *logrus.Entry
}

func NewViewHandler(reconciler *core.Reconciler, log *logrus.Entry) *ViewHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &ViewHandler{reconciler: reconciler, log: log}
}

func (h *ViewHandler) GetView(c *gin.Context) {
	c.JSON(http.StatusOK, h.reconciler.View())
}

// Stream pushes the view as server-sent events: once on connect and again
// after every state change. Bursts of changes collapse into the latest view.
func (h *ViewHandler) Stream(c *gin.Context) {
	updates, cancel := h.reconciler.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("view", h.reconciler.View())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case _, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("view", h.reconciler.View())
			return true
		}
	})
}

// Refresh forces an immediate pull and returns the resulting view.
func (h *ViewHandler) Refresh(c *gin.Context) {
	if err := h.reconciler.Refresh(c.Request.Context()); err != nil {
		h.log.WithError(err).Warn("manual refresh failed")
		c.JSON(statusForError(err), gin.H{"error": err.Error(), "view": h.reconciler.View()})
		return
	}
	c.JSON(http.StatusOK, h.reconciler.View())
}

func (h *ViewHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/view", h.GetView)
	r.GET("/view/stream", h.Stream)
	r.POST("/refresh", h.Refresh)
}
