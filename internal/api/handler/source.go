package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/service"
)

// SourceHandler handles operator actions on sources.
type SourceHandler struct {
	coordinator *service.Coordinator
}

// NewSourceHandler creates a new source handler
func NewSourceHandler(coordinator *service.Coordinator) *SourceHandler {
	return &SourceHandler{coordinator: coordinator}
}

// Scan handles POST /api/v1/sources/:id/scan.
// Parameters:
//   - c: Gin request context; ?requeueStuck=true abandons stuck jobs first.
// Returns: none (writes JSON response).
func (h *SourceHandler) Scan(c *gin.Context) {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var opts service.ScanOptions
	if raw := c.Query("requeueStuck"); raw != "" {
		if opts.RequeueStuck, err = strconv.ParseBool(raw); err != nil {
			respondError(c, apperr.New(apperr.ErrInvalidInput, "requeueStuck must be a boolean"))
			return
		}
	}

	res, err := h.coordinator.ScanSource(c.Request.Context(), id, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
