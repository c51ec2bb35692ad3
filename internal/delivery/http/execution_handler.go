// Package http is the gin-based HTTP surface: submission, status reads, the
// WebSocket status stream and the admin endpoints.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/delivery/http/middleware"
	"github.com/kawacukennedy/polygot-sub000/internal/domain"
	"github.com/kawacukennedy/polygot-sub000/internal/usecase"
)

// ExecutionHandler handles submission and status requests.
type ExecutionHandler struct {
	service *usecase.ExecutionService
	logger  *zap.Logger
}

// NewExecutionHandler creates a new ExecutionHandler.
func NewExecutionHandler(service *usecase.ExecutionService, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{service: service, logger: logger}
}

// Submit handles POST /api/v1/executions
func (h *ExecutionHandler) Submit(c *gin.Context) {
	var req domain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	ownerID := c.GetString(middleware.UserIDKey)
	exec, err := h.service.Submit(c.Request.Context(), ownerID, &req)
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, domain.SubmitResponse{
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
	})
}

// RunSnippet handles POST /api/v1/snippets/:id/run
func (h *ExecutionHandler) RunSnippet(c *gin.Context) {
	var req struct {
		Stdin     string `json:"stdin"`
		TimeoutMs *int   `json:"timeout_ms,omitempty"`
	}
	// An empty body is fine for snippet runs.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
	}

	ownerID := c.GetString(middleware.UserIDKey)
	exec, err := h.service.RunSnippet(c.Request.Context(), ownerID, c.Param("id"), req.Stdin, req.TimeoutMs)
	if err != nil {
		if errors.Is(err, domain.ErrSnippetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Snippet not found"})
			return
		}
		h.writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, domain.SubmitResponse{
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
	})
}

// GetByID handles GET /api/v1/executions/:id
func (h *ExecutionHandler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid execution ID format"})
		return
	}

	exec, err := h.service.Get(c.Request.Context(), id, c.GetString(middleware.UserIDKey), middleware.IsAdmin(c))
	if err != nil {
		if errors.Is(err, domain.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Execution not found"})
			return
		}
		h.logger.Error("Get execution failed", zap.Error(err), zap.String("execution_id", id.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, exec)
}

func (h *ExecutionHandler) writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrUnsupportedLanguage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrEmptyCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrPayloadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrPublishFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
	default:
		h.logger.Error("Submit execution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
