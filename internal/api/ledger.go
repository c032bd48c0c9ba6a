package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"go.uber.org/zap"
)

// LedgerHandler exposes the append and read endpoints of the event ledger.
type LedgerHandler struct {
	ledger *eventledger.Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(ledger *eventledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

// Register mounts the ledger routes. auth guards the write routes.
func (h *LedgerHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	l := rg.Group("/ledger")
	{
		l.GET("/partitions", h.ListPartitions)
		l.GET("/:family/:id/events", h.ListEvents)
		l.GET("/:family/:id/verify", h.Verify)
	}

	rg.POST("/products/:id/events", auth, h.AppendProductEvent)
	rg.POST("/products/:id/supply-chain/events", auth, h.AppendSupplyChainEvent)
	rg.POST("/certifications/:id/events", auth, h.AppendCertificationEvent)
}

type appendRequest struct {
	EventType string          `json:"event_type" binding:"required"`
	EventData json.RawMessage `json:"event_data"`

	// Certification events only.
	SupplierID         uuid.UUID `json:"supplier_id"`
	VerificationSource string    `json:"verification_source"`

	// Supply-chain events only.
	BatchNumber string                   `json:"batch_number"`
	Geolocation *eventledger.Geolocation `json:"geolocation"`
}

// ListPartitions handles GET /ledger/partitions.
func (h *LedgerHandler) ListPartitions(c *gin.Context) {
	parts, err := h.ledger.Partitions(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "list partitions", err)
		return
	}

	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		keys = append(keys, p.Key())
	}
	c.JSON(http.StatusOK, gin.H{"partitions": keys, "count": len(keys)})
}

// ListEvents handles GET /ledger/:family/:id/events?batch=.
func (h *LedgerHandler) ListEvents(c *gin.Context) {
	p, err := partitionFromPath(c)
	if err != nil {
		writeError(c, h.logger, "list events", err)
		return
	}

	events, err := h.ledger.Events(c.Request.Context(), p)
	if err != nil {
		writeError(c, h.logger, "list events", err)
		return
	}
	if events == nil {
		events = []*eventledger.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"partition": p.Key(), "events": events})
}

// Verify handles GET /ledger/:family/:id/verify. A broken chain is still a 200.
func (h *LedgerHandler) Verify(c *gin.Context) {
	p, err := partitionFromPath(c)
	if err != nil {
		writeError(c, h.logger, "verify chain", err)
		return
	}

	res, err := h.ledger.VerifyChain(c.Request.Context(), p)
	if err != nil {
		writeError(c, h.logger, "verify chain", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AppendProductEvent handles POST /products/:id/events.
func (h *LedgerHandler) AppendProductEvent(c *gin.Context) {
	id, req, ok := h.bindAppend(c)
	if !ok {
		return
	}
	ev, err := h.ledger.AppendProductEvent(c.Request.Context(), id, req.EventType, req.EventData, origin(c))
	if err != nil {
		writeError(c, h.logger, "append product event", err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// AppendCertificationEvent handles POST /certifications/:id/events.
func (h *LedgerHandler) AppendCertificationEvent(c *gin.Context) {
	id, req, ok := h.bindAppend(c)
	if !ok {
		return
	}
	ev, err := h.ledger.AppendCertificationEvent(c.Request.Context(), id, req.SupplierID,
		req.EventType, req.EventData, req.VerificationSource, origin(c))
	if err != nil {
		writeError(c, h.logger, "append certification event", err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// AppendSupplyChainEvent handles POST /products/:id/supply-chain/events.
func (h *LedgerHandler) AppendSupplyChainEvent(c *gin.Context) {
	id, req, ok := h.bindAppend(c)
	if !ok {
		return
	}
	ev, err := h.ledger.AppendSupplyChainEvent(c.Request.Context(), id, req.SupplierID,
		req.EventType, req.EventData, req.BatchNumber, req.Geolocation, origin(c))
	if err != nil {
		writeError(c, h.logger, "append supply-chain event", err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h *LedgerHandler) bindAppend(c *gin.Context) (uuid.UUID, *appendRequest, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return uuid.Nil, nil, false
	}
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return uuid.Nil, nil, false
	}
	return id, &req, true
}

func partitionFromPath(c *gin.Context) (eventledger.Partition, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return eventledger.Partition{}, fmt.Errorf("%w: id must be a UUID", eventledger.ErrInvalidPartition)
	}
	p := eventledger.Partition{
		Family:      eventledger.Family(c.Param("family")),
		EntityID:    id,
		BatchNumber: c.Query("batch"),
	}
	return p, p.Validate()
}

func origin(c *gin.Context) eventledger.Origin {
	return eventledger.Origin{ActorID: ActorFromCtx(c), OriginAddress: c.ClientIP()}
}
