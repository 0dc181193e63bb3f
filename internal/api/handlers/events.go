package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Default query limits.
const (
	DefaultLogLines      = 200
	DefaultFeedbackLimit = 10
)

// EventHandler handles heartbeat, audit log and feedback requests.
type EventHandler struct {
	backend Backend
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(backend Backend) *EventHandler {
	return &EventHandler{backend: backend}
}

// Heartbeat publishes a heartbeat and returns it.
func (h *EventHandler) Heartbeat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "heartbeat": h.backend.Heartbeat()})
}

// Logs returns the tail of the audit log.
func (h *EventHandler) Logs(c *gin.Context) {
	lines, ok := positiveQuery(c, "lines", DefaultLogLines)
	if !ok {
		return
	}

	entries, err := h.backend.AuditTail(lines)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "entries": entries})
}

// Feedback returns the latest execution summaries.
func (h *EventHandler) Feedback(c *gin.Context) {
	limit, ok := positiveQuery(c, "limit", DefaultFeedbackLimit)
	if !ok {
		return
	}

	summaries, err := h.backend.Feedback(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "feedback": summaries})
}

func positiveQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		badRequest(c, key+" must be a positive integer")
		return 0, false
	}
	return n, true
}
