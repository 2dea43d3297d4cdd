package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/service"
	"github.com/timmy/bulkimport/internal/storage"
)

// respondError maps err to a status code and writes it as JSON.
func respondError(c *gin.Context, action string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, storage.ErrObjectNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		logger.CtxError(c.Request.Context(), "%s failed: %v", action, err)
	}
	c.JSON(status, gin.H{"error": action + ": " + err.Error()})
}
