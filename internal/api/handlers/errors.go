package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orrn/printconsole/internal/core"
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrDuplicateCommand):
		return http.StatusConflict
	case errors.Is(err, core.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrCommandRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTransientFetch), errors.Is(err, core.ErrCommandFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondCommandError(c *gin.Context, rec core.CommandRecord, err error) {
	body := gin.H{"error": err.Error()}
	if rec.ID != uuid.Nil {
		body["command"] = rec
	}
	c.JSON(statusForError(err), body)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
