package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/materialledger/internal/auditor"
	"github.com/jmerrifield20/materialledger/internal/webhooks"
)

// OpsHandler reports on background integrity work.
type OpsHandler struct {
	auditor  *auditor.Auditor
	webhooks *webhooks.Dispatcher
}

// NewOpsHandler creates a new OpsHandler. Either argument may be nil.
func NewOpsHandler(a *auditor.Auditor, d *webhooks.Dispatcher) *OpsHandler {
	return &OpsHandler{auditor: a, webhooks: d}
}

// Register mounts the ops routes behind auth.
func (h *OpsHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	ops := rg.Group("/ops", auth)
	if h.auditor != nil {
		ops.GET("/audit", h.LastAudit)
	}
	if h.webhooks != nil {
		ops.GET("/webhooks/deliveries", h.Deliveries)
	}
}

// LastAudit handles GET /ops/audit.
func (h *OpsHandler) LastAudit(c *gin.Context) {
	report := h.auditor.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no audit has completed yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": report.OK(), "report": report})
}

// Deliveries handles GET /ops/webhooks/deliveries.
func (h *OpsHandler) Deliveries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deliveries": h.webhooks.Recent()})
}
