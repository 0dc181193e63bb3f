// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adap-ai/adap/internal/errs"
	"github.com/adap-ai/adap/pkg/types"
)

// Backend is the runtime surface the handlers call into.
type Backend interface {
	Modules() []types.ModuleInfo
	InspectModule(name string) ([]string, bool)
	Execute(ctx context.Context, module, fn string, args []any, kwargs map[string]any) (any, error)
	Enqueue(module, fn string, args []any, kwargs map[string]any, priority int) (string, error)
	Heartbeat() types.HeartbeatPayload
	AuditTail(n int) ([]types.LogEntry, error)
	Feedback(ctx context.Context, limit int) ([]types.FeedbackSummary, error)
}

// StatusFor maps an error to the HTTP status reported for its kind.
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindIntegrity:
		return http.StatusForbidden
	case errs.KindConfiguration:
		return http.StatusPreconditionFailed
	case errs.KindTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// respondError writes the error envelope for err.
func respondError(c *gin.Context, err error) {
	c.JSON(StatusFor(err), gin.H{
		"ok": false,
		"error": gin.H{
			"kind":    errs.KindOf(err),
			"message": err.Error(),
		},
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"ok": false,
		"error": gin.H{
			"kind":    "bad_request",
			"message": message,
		},
	})
}
