package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kawacukennedy/polygot-sub000/internal/runner"
)

// LanguageHandler handles language listing requests.
type LanguageHandler struct {
	registry *runner.Registry
}

// NewLanguageHandler creates a new LanguageHandler.
func NewLanguageHandler(registry *runner.Registry) *LanguageHandler {
	return &LanguageHandler{registry: registry}
}

// List handles GET /api/v1/languages
func (h *LanguageHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"languages": h.registry.List(),
	})
}
