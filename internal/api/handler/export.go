package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/service"
	"github.com/timmy/bulkimport/internal/source"
)

// ExportHandler serves the source-side relation export endpoints that
// destination installations poll and download from.
type ExportHandler struct {
	exports *service.ExportService
}

// NewExportHandler creates a new export handler.
func NewExportHandler(exports *service.ExportService) *ExportHandler {
	return &ExportHandler{exports: exports}
}

func portable(c *gin.Context, t domain.SourceType) source.Portable {
	return source.Portable{Type: t, FullPath: c.Param("id")}
}

// Start handles POST /api/v4/{groups|projects}/:id/export_relations.
// Parameters:
//   - t: portable type served by the route.
// Returns:
//   - gin.HandlerFunc: handler scheduling every relation export.
func (h *ExportHandler) Start(t domain.SourceType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := portable(c, t)
		batched, _ := strconv.ParseBool(c.DefaultQuery("batched", "false"))

		if err := h.exports.Start(c.Request.Context(), p, batched); err != nil {
			respondError(c, "Start export", err)
			return
		}
		logger.CtxInfo(c.Request.Context(), "Export requested: portable=%s/%s, batched=%v", p.Type, p.FullPath, batched)
		c.JSON(http.StatusAccepted, gin.H{"message": "202 Accepted"})
	}
}

// Status handles GET .../export_relations/status. With ?relation= it
// reports one relation, 404 when never exported; otherwise all of them.
func (h *ExportHandler) Status(t domain.SourceType) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		p := portable(c, t)

		relation := c.Query("relation")
		if relation == "" {
			statuses, err := h.exports.Statuses(ctx, p)
			if err != nil {
				respondError(c, "Export status", err)
				return
			}
			c.JSON(http.StatusOK, statuses)
			return
		}

		st, err := h.exports.Status(ctx, p, relation)
		if err != nil {
			respondError(c, "Export status", err)
			return
		}
		if st == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "404 Not found"})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// Download handles GET .../export_relations/download?relation=&batched=&batch_number=.
func (h *ExportHandler) Download(t domain.SourceType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := portable(c, t)
		relation := c.Query("relation")
		if relation == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameter 'relation' is required"})
			return
		}
		batched, _ := strconv.ParseBool(c.DefaultQuery("batched", "false"))
		batchNumber := 0
		if batched {
			n, err := strconv.Atoi(c.Query("batch_number"))
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameter 'batch_number' must be a positive integer"})
				return
			}
			batchNumber = n
		}

		body, err := h.exports.Open(c.Request.Context(), p, relation, batched, batchNumber)
		if err != nil {
			respondError(c, "Download export", err)
			return
		}
		defer body.Close()

		name := relation + ".ndjson.gz"
		c.DataFromReader(http.StatusOK, -1, "application/gzip", body, map[string]string{
			"Content-Disposition": `attachment; filename="` + name + `"`,
		})
	}
}
