package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printconsole/internal/core"
	"github.com/orrn/printconsole/internal/db"
	"github.com/orrn/printconsole/internal/logging"
)

type VerifyPaymentRequest struct {
	Verified *bool  `json:"verified" binding:"required"`
	Notes    string `json:"notes"`
}

type CommandResponse struct {
	Command core.CommandRecord        `json:"command"`
	Result  *core.VerifyPaymentResult `json:"result,omitempty"`
}

type ListCommandsQuery struct {
	Action     string `form:"action"`
	State      string `form:"state"`
	EntityType string `form:"entity_type"`
	EntityID   string `form:"entity_id"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset     int    `form:"offset" binding:"omitempty,min=0"`
}

type CommandHandler struct {
	dispatcher *core.Dispatcher
	reconciler *core.Reconciler
	journal    *db.Journal
	log        *logrus.Entry
}

// NewCommandHandler serves the operator actions. journal may be nil, in which
// case the history endpoint falls back to the in-memory recent commands.
func NewCommandHandler(dispatcher *core.Dispatcher, reconciler *core.Reconciler, journal *db.Journal, log *logrus.Entry) *CommandHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &CommandHandler{
		dispatcher: dispatcher,
		reconciler: reconciler,
		journal:    journal,
		log:        log,
	}
}

func (h *CommandHandler) VerifyPayment(c *gin.Context) {
	var req VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "verified is required"})
		return
	}

	id := core.ID(c.Param("id"))
	rec, result, err := h.dispatcher.VerifyPayment(c.Request.Context(), id, *req.Verified, req.Notes)
	h.audit(c, rec, map[string]any{"verified": *req.Verified, "notes": req.Notes}, err)
	if err != nil {
		respondCommandError(c, rec, err)
		return
	}

	c.JSON(http.StatusOK, CommandResponse{Command: rec, Result: result})
}

func (h *CommandHandler) TriggerTimeout(c *gin.Context) {
	h.jobCommand(c, h.dispatcher.TriggerTimeout)
}

func (h *CommandHandler) SkipJob(c *gin.Context) {
	h.jobCommand(c, h.dispatcher.SkipJob)
}

func (h *CommandHandler) CancelJob(c *gin.Context) {
	h.jobCommand(c, h.dispatcher.CancelJob)
}

func (h *CommandHandler) jobCommand(c *gin.Context, fn func(ctx context.Context, id core.ID) (core.CommandRecord, error)) {
	rec, err := fn(c.Request.Context(), core.ID(c.Param("id")))
	h.audit(c, rec, nil, err)
	if err != nil {
		respondCommandError(c, rec, err)
		return
	}
	c.JSON(http.StatusOK, CommandResponse{Command: rec})
}

func (h *CommandHandler) ListCommands(c *gin.Context) {
	var query ListCommandsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = 50
	}

	if h.journal == nil {
		state := h.reconciler.State()
		commands := append(append([]core.CommandRecord{}, state.Pending...), state.Recent...)
		c.JSON(http.StatusOK, gin.H{"commands": commands, "source": "memory"})
		return
	}

	entries, err := h.journal.Commands.ListCommands(c.Request.Context(), db.CommandFilter{
		Action:     query.Action,
		State:      query.State,
		EntityType: query.EntityType,
		EntityID:   query.EntityID,
	}, query.Limit, query.Offset)
	if err != nil {
		h.log.WithError(err).Error("failed to list commands")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list commands"})
		return
	}

	counts, err := h.journal.Commands.CountByState(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("failed to count commands")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count commands"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"commands": entries, "counts": counts, "source": "journal"})
}

// audit writes one audit row per operator action that reached the dispatcher.
func (h *CommandHandler) audit(c *gin.Context, rec core.CommandRecord, details map[string]any, cmdErr error) {
	if h.journal == nil || rec.Action == "" {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["command_id"] = rec.ID.String()
	details["state"] = rec.State
	if cmdErr != nil {
		details["error"] = cmdErr.Error()
	}
	detailsJSON, _ := json.Marshal(details)

	entry := &db.AuditLog{
		Action:      string(rec.Action),
		EntityType:  string(rec.Target.Kind),
		EntityID:    string(rec.Target.ID),
		DetailsJSON: string(detailsJSON),
		IPAddress:   c.ClientIP(),
	}
	if err := h.journal.Audit.CreateAuditLog(c.Request.Context(), entry); err != nil {
		h.log.WithError(err).Warn("failed to write audit log")
	}
}

func (h *CommandHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:id/verify", h.VerifyPayment)
	r.POST("/jobs/:id/timeout", h.TriggerTimeout)
	r.POST("/jobs/:id/skip", h.SkipJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
	r.GET("/commands", h.ListCommands)
}
