package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adap-ai/adap/internal/queue"
	"github.com/adap-ai/adap/pkg/types"
)

// ExecHandler handles synchronous and queued module calls.
type ExecHandler struct {
	backend Backend
}

// NewExecHandler creates a new ExecHandler.
func NewExecHandler(backend Backend) *ExecHandler {
	return &ExecHandler{backend: backend}
}

// Exec runs a module function and returns its result.
func (h *ExecHandler) Exec(c *gin.Context) {
	var req types.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.backend.Execute(c.Request.Context(), req.Module, req.Function, req.Args, req.Kwargs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

// Enqueue schedules a module function on the task queue.
func (h *ExecHandler) Enqueue(c *gin.Context) {
	var req types.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	priority := queue.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	id, err := h.backend.Enqueue(req.Module, req.Function, req.Args, req.Kwargs, priority)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"ok": true, "id": id, "priority": priority})
}
