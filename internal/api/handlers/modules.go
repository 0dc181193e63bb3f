package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adap-ai/adap/internal/registry"
)

// ModuleHandler handles module listing and inspection.
type ModuleHandler struct {
	backend Backend
}

// NewModuleHandler creates a new ModuleHandler.
func NewModuleHandler(backend Backend) *ModuleHandler {
	return &ModuleHandler{backend: backend}
}

// List returns every registered module with its functions.
func (h *ModuleHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "modules": h.backend.Modules()})
}

// Get returns the functions of one module.
func (h *ModuleHandler) Get(c *gin.Context) {
	name := c.Param("name")

	fns, ok := h.backend.InspectModule(name)
	if !ok {
		respondError(c, fmt.Errorf("%w: %s", registry.ErrModuleNotFound, name))
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "module": name, "functions": fns})
}
