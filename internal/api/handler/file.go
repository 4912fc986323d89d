package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/tabport/internal/dataset"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// FileHandler serves imported datasets.
type FileHandler struct {
	reader *dataset.Reader
}

// NewFileHandler creates a new file handler
func NewFileHandler(reader *dataset.Reader) *FileHandler {
	return &FileHandler{reader: reader}
}

// Rows handles GET /api/v1/files/:id/rows.
// Parameters:
//   - c: Gin request context; offset and limit page through the rows.
// Returns: none (writes JSON response).
func (h *FileHandler) Rows(c *gin.Context) {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		respondError(c, err)
		return
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	page, err := h.reader.Page(c.Request.Context(), id, offset, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"file":    page.File,
		"columns": page.Columns,
		"quality": page.Quality,
		"rows":    page.Rows,
		"offset":  offset,
		"limit":   limit,
	})
}
