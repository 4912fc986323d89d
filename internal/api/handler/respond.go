package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/logger"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// respondError writes err with the status its apperr kind maps to.
func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatusCode(err)
	ctx := c.Request.Context()
	if status >= http.StatusInternalServerError {
		logger.FromContext(ctx).WithError(err).Error("request failed")
	} else {
		logger.CtxInfo(ctx, "request rejected: %v", err)
	}
	c.JSON(status, ErrorResponse{
		Error: publicMessage(status, err),
		Kind:  apperr.Kind(err),
	})
}

// Internal failures are logged in full but not echoed.
func publicMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		return "internal error"
	}
	return apperr.Message(err)
}

// parseID reads a positive numeric path or form value.
func parseID(raw, name string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Newf(apperr.ErrInvalidInput, "%s must be a positive integer", name)
	}
	return uint(id), nil
}
