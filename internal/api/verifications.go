package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/materialledger/internal/certverify"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"go.uber.org/zap"
)

// VerificationHandler exposes the third-party verification log and, when a
// certverify.Service is configured, on-demand certificate checks.
type VerificationHandler struct {
	ledger  *eventledger.Ledger
	service *certverify.Service
	logger  *zap.Logger
}

// NewVerificationHandler creates a new VerificationHandler. service may be nil.
func NewVerificationHandler(ledger *eventledger.Ledger, service *certverify.Service, logger *zap.Logger) *VerificationHandler {
	return &VerificationHandler{ledger: ledger, service: service, logger: logger}
}

// Register mounts the verification routes. auth guards the write routes.
func (h *VerificationHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	rg.GET("/verifications", h.List)
	rg.POST("/verifications", auth, h.Log)
	if h.service != nil {
		rg.GET("/verification-providers", h.Providers)
		rg.POST("/certifications/:id/verify", auth, h.VerifyCertification)
	}
}

type logVerificationRequest struct {
	EntityType      string                         `json:"entity_type" binding:"required"`
	EntityID        string                         `json:"entity_id" binding:"required"`
	APIProvider     string                         `json:"api_provider" binding:"required"`
	APIEndpoint     string                         `json:"api_endpoint"`
	RequestPayload  json.RawMessage                `json:"request_payload"`
	ResponsePayload json.RawMessage                `json:"response_payload"`
	Status          eventledger.VerificationStatus `json:"verification_status" binding:"required"`
}

// Log handles POST /verifications.
func (h *VerificationHandler) Log(c *gin.Context) {
	var req logVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.ledger.LogAPIVerification(c.Request.Context(), eventledger.VerificationInput{
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		APIProvider:     req.APIProvider,
		APIEndpoint:     req.APIEndpoint,
		RequestPayload:  req.RequestPayload,
		ResponsePayload: req.ResponsePayload,
		Status:          req.Status,
	})
	if err != nil {
		writeError(c, h.logger, "log api verification", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// List handles GET /verifications?entity_type=&entity_id=.
func (h *VerificationHandler) List(c *gin.Context) {
	entityType, entityID := c.Query("entity_type"), c.Query("entity_id")
	if entityType == "" || entityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entity_type and entity_id are required"})
		return
	}

	recs, err := h.ledger.VerificationRecords(c.Request.Context(), entityType, entityID)
	if err != nil {
		writeError(c, h.logger, "list api verifications", err)
		return
	}

	type recordView struct {
		*eventledger.VerificationRecord
		Intact bool `json:"intact"`
	}
	out := make([]recordView, 0, len(recs))
	for _, r := range recs {
		intact, err := r.Intact()
		if err != nil {
			writeError(c, h.logger, "check verification record", err)
			return
		}
		out = append(out, recordView{VerificationRecord: r, Intact: intact})
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

// Providers handles GET /verification-providers.
func (h *VerificationHandler) Providers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.service.Providers()})
}

type verifyCertificationRequest struct {
	SupplierID        uuid.UUID `json:"supplier_id"`
	CertificateNumber string    `json:"certificate_number" binding:"required"`
	Provider          string    `json:"provider" binding:"required"`
	NotifyEmail       string    `json:"notify_email"`
	SupplierName      string    `json:"supplier_name"`
}

// VerifyCertification handles POST /certifications/:id/verify.
func (h *VerificationHandler) VerifyCertification(c *gin.Context) {
	certID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}
	var req verifyCertificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.service.Verify(c.Request.Context(), certverify.Request{
		CertificationID:   certID,
		SupplierID:        req.SupplierID,
		CertificateNumber: req.CertificateNumber,
		Provider:          req.Provider,
		NotifyEmail:       req.NotifyEmail,
		SupplierName:      req.SupplierName,
	}, origin(c))
	if err != nil {
		writeError(c, h.logger, "verify certification", err)
		return
	}

	status := http.StatusOK
	if out.Event != nil {
		status = http.StatusCreated
	}
	c.JSON(status, out)
}
