package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
	"github.com/kawacukennedy/polygot-sub000/internal/usecase"
)

// AdminHandler handles the operator endpoints: listing, rerun and kill.
type AdminHandler struct {
	service *usecase.ExecutionService
	logger  *zap.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(service *usecase.ExecutionService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{service: service, logger: logger}
}

// List handles GET /api/v1/admin/executions
func (h *AdminHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	execs, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("List executions failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

// Rerun handles POST /api/v1/admin/executions/:id/rerun
func (h *AdminHandler) Rerun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid execution ID format"})
		return
	}

	exec, err := h.service.Rerun(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrExecutionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Execution not found"})
		case errors.Is(err, domain.ErrUnsupportedLanguage):
			c.JSON(http.StatusConflict, gin.H{"error": "Language no longer supported"})
		case errors.Is(err, domain.ErrPublishFailed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
		default:
			h.logger.Error("Rerun failed", zap.Error(err), zap.String("execution_id", id.String()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	c.JSON(http.StatusAccepted, domain.SubmitResponse{
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
	})
}

// Kill handles POST /api/v1/admin/executions/:id/kill
func (h *AdminHandler) Kill(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid execution ID format"})
		return
	}

	if err := h.service.Kill(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "Execution is not running"})
		case errors.Is(err, domain.ErrExecutionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Execution not found"})
		default:
			h.logger.Error("Kill failed", zap.Error(err), zap.String("execution_id", id.String()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "KILLED"})
}
