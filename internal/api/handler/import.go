package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/service"
)

// ImportHandler serves the destination-side import endpoints.
type ImportHandler struct {
	starter   *service.ImportStarter
	summaries *service.SummaryService
}

// NewImportHandler creates a new import handler.
// Parameters:
//   - starter: creates imports and schedules their start.
//   - summaries: reads import progress.
// Returns:
//   - *ImportHandler: initialized handler.
func NewImportHandler(starter *service.ImportStarter, summaries *service.SummaryService) *ImportHandler {
	return &ImportHandler{starter: starter, summaries: summaries}
}

// CreateImportResponse is returned by POST /api/v1/imports.
type CreateImportResponse struct {
	ID       string      `json:"id"`
	Status   string      `json:"status"`
	Entities interface{} `json:"entities"`
}

// CreateImport handles POST /api/v1/imports.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ImportHandler) CreateImport(c *gin.Context) {
	ctx := c.Request.Context()

	var req service.CreateImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid import request: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	imp, entities, err := h.starter.CreateImport(ctx, &req)
	if err != nil {
		respondError(c, "Create import", err)
		return
	}

	c.JSON(http.StatusCreated, CreateImportResponse{
		ID:       imp.ID,
		Status:   string(imp.Status),
		Entities: entities,
	})
}

// GetImport handles GET /api/v1/imports/:id.
func (h *ImportHandler) GetImport(c *gin.Context) {
	summary, err := h.summaries.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Get import", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListFailures handles GET /api/v1/imports/:id/failures.
func (h *ImportHandler) ListFailures(c *gin.Context) {
	failures, err := h.summaries.ListFailures(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "List failures", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"failures": failures,
		"total":    len(failures),
	})
}
