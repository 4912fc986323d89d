package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/tabport/internal/apperr"
	"github.com/timmy/tabport/internal/service"
)

// AgentSecretHeader carries the shared secret of an agent_push source.
const AgentSecretHeader = "X-Agent-Secret"

// multipart framing allowance on top of the file limit
const formOverhead = 1 << 20

// AgentHandler serves the watcher agents of agent_push sources.
type AgentHandler struct {
	push     *service.PushService
	maxBytes int64
}

// NewAgentHandler creates a new agent handler.
// Parameters:
//   - push: push service instance.
//   - maxBytes: largest accepted file; zero disables the request cap.
// Returns:
//   - *AgentHandler: initialized handler.
func NewAgentHandler(push *service.PushService, maxBytes int64) *AgentHandler {
	return &AgentHandler{push: push, maxBytes: maxBytes}
}

// pushFailure is the body of a rejected push that still left a record.
type pushFailure struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Kind  string `json:"kind"`
	*service.PushResult
}

// DeleteBody is the JSON body of POST /api/v1/agent/delete.
type DeleteBody struct {
	SourceID     uint   `json:"sourceId" binding:"required"`
	OriginalPath string `json:"originalPath" binding:"required"`
}

// agentSecret reads the secret from X-Agent-Secret or a bearer token.
func agentSecret(c *gin.Context) string {
	if s := c.GetHeader(AgentSecretHeader); s != "" {
		return s
	}
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// Push handles POST /api/v1/agent/push.
// Parameters:
//   - c: Gin request context with multipart fields sourceId, originalPath
//     and file.
// Returns: none (writes JSON response).
func (h *AgentHandler) Push(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+formOverhead)
	}

	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, formError(err))
		return
	}
	sourceID, err := parseID(c.PostForm("sourceId"), "sourceId")
	if err != nil {
		respondError(c, err)
		return
	}
	files := form.File["file"]
	if len(files) == 0 {
		respondError(c, apperr.New(apperr.ErrInvalidInput, "file is required"))
		return
	}
	header := files[0]
	f, err := header.Open()
	if err != nil {
		respondError(c, apperr.Newf(apperr.ErrInvalidInput, "open upload: %v", err))
		return
	}
	defer f.Close()

	originalPath := c.PostForm("originalPath")
	if originalPath == "" {
		originalPath = header.Filename
	}
	res, err := h.push.Upload(c.Request.Context(), service.PushRequest{
		SourceID:     sourceID,
		Secret:       agentSecret(c),
		OriginalPath: originalPath,
		Content:      f,
	})
	if err != nil {
		if res == nil {
			respondError(c, err)
			return
		}
		c.JSON(apperr.HTTPStatusCode(err), pushFailure{
			Error:      apperr.Message(err),
			Kind:       apperr.Kind(err),
			PushResult: res,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Delete handles POST /api/v1/agent/delete.
// Parameters:
//   - c: Gin request context with a DeleteBody.
// Returns: none (writes JSON response).
func (h *AgentHandler) Delete(c *gin.Context) {
	var body DeleteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperr.Newf(apperr.ErrInvalidInput, "invalid request: %v", err))
		return
	}
	res, err := h.push.Delete(c.Request.Context(), service.DeleteRequest{
		SourceID:     body.SourceID,
		Secret:       agentSecret(c),
		OriginalPath: body.OriginalPath,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// formError classifies multipart parsing failures.
func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Newf(apperr.ErrPayloadTooLarge, "request exceeds %d bytes", tooLarge.Limit)
	}
	return apperr.Newf(apperr.ErrInvalidInput, "invalid upload: %v", err)
}
