package certverify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmerrifield20/materialledger/internal/config"
	"github.com/jmerrifield20/materialledger/internal/email"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/jmerrifield20/materialledger/internal/webhooks"
	"go.uber.org/zap"
)

// ErrUnknownProvider is returned when the request names a provider that is not configured.
var ErrUnknownProvider = errors.New("unknown certification provider")

// ErrInvalidRequest is returned for a request missing required fields.
var ErrInvalidRequest = errors.New("invalid verification request")

// Ledger is the part of the event ledger the service writes to.
type Ledger interface {
	LogAPIVerification(ctx context.Context, in eventledger.VerificationInput) (*eventledger.VerificationRecord, error)
	AppendCertificationEvent(ctx context.Context, certificationID, supplierID uuid.UUID, eventType string, eventData json.RawMessage, verificationSource string, origin eventledger.Origin) (*eventledger.Event, error)
}

// WebhookDispatchFunc is an optional callback for failed-verification alerts.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]any)

// Request asks for one certificate to be checked.
type Request struct {
	CertificationID   uuid.UUID `json:"certification_id"`
	SupplierID        uuid.UUID `json:"supplier_id"`
	CertificateNumber string    `json:"certificate_number"`
	Provider          string    `json:"provider"`
	NotifyEmail       string    `json:"notify_email"`
	SupplierName      string    `json:"supplier_name"`
}

// Outcome is what Verify recorded. Event is nil when the provider could not
// be reached, because an ERROR says nothing about the certificate itself.
type Outcome struct {
	Status eventledger.VerificationStatus  `json:"status"`
	Record *eventledger.VerificationRecord `json:"record,omitempty"`
	Event  *eventledger.Event              `json:"event,omitempty"`
	Detail string                          `json:"detail,omitempty"`
}

// Service runs certificate checks against configured providers.
type Service struct {
	ledger    Ledger
	providers map[string]Provider
	mailer    email.Sender
	logger    *zap.Logger

	onWebhook WebhookDispatchFunc
}

// NewService builds a Service with an HTTPProvider per configured provider.
func NewService(ctx context.Context, ledger Ledger, cfg config.CertVerifyConfig, mailer email.Sender, logger *zap.Logger) *Service {
	providers := make([]Provider, 0, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		providers = append(providers, NewHTTPProvider(ctx, name, pc, cfg.Timeout))
	}
	return NewServiceWithProviders(ledger, mailer, logger, providers...)
}

// NewServiceWithProviders builds a Service over explicit providers.
func NewServiceWithProviders(ledger Ledger, mailer email.Sender, logger *zap.Logger, providers ...Provider) *Service {
	s := &Service{
		ledger:    ledger,
		providers: make(map[string]Provider, len(providers)),
		mailer:    mailer,
		logger:    logger,
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	return s
}

// SetWebhookDispatch registers the callback for failed verifications.
func (s *Service) SetWebhookDispatch(fn WebhookDispatchFunc) {
	s.onWebhook = fn
}

// Providers returns the configured provider names, sorted.
func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for n := range s.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Verify checks req with its provider, logs the API call, and appends the
// outcome to the certification's chain. Only a failed chain append is
// returned as an error; audit-log and email failures are logged.
func (s *Service) Verify(ctx context.Context, req Request, origin eventledger.Origin) (*Outcome, error) {
	if req.CertificationID == uuid.Nil || req.CertificateNumber == "" {
		return nil, ErrInvalidRequest
	}
	provider, ok := s.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}

	lookup := provider.Lookup(ctx, req.CertificateNumber)
	out := &Outcome{Status: lookup.Status}
	if lookup.Err != nil {
		out.Detail = lookup.Err.Error()
		s.logger.Warn("certificate lookup failed",
			zap.String("provider", req.Provider),
			zap.String("certificate_number", req.CertificateNumber),
			zap.Error(lookup.Err),
		)
	}

	rec, err := s.ledger.LogAPIVerification(ctx, eventledger.VerificationInput{
		EntityType:      "certification",
		EntityID:        req.CertificationID.String(),
		APIProvider:     req.Provider,
		APIEndpoint:     lookup.Endpoint,
		RequestPayload:  lookup.Request,
		ResponsePayload: lookup.Response,
		Status:          lookup.Status,
	})
	if err != nil {
		s.logger.Error("failed to log API verification",
			zap.String("certification_id", req.CertificationID.String()),
			zap.String("provider", req.Provider),
			zap.Error(err),
		)
	}
	out.Record = rec

	var eventType string
	switch lookup.Status {
	case eventledger.StatusVerified:
		eventType = eventledger.EventAPIVerified
	case eventledger.StatusFailed:
		eventType = eventledger.EventVerificationFailed
	default:
		return out, nil
	}

	data, err := json.Marshal(map[string]string{
		"certificate_number": req.CertificateNumber,
		"provider":           req.Provider,
		"status":             string(lookup.Status),
	})
	if err != nil {
		return nil, fmt.Errorf("encode verification event: %w", err)
	}
	ev, err := s.ledger.AppendCertificationEvent(ctx, req.CertificationID, req.SupplierID, eventType, data, req.Provider, origin)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", eventType, err)
	}
	out.Event = ev

	if lookup.Status == eventledger.StatusFailed && s.onWebhook != nil {
		s.onWebhook(ctx, webhooks.EventVerificationFailed, map[string]any{
			"certification_id":   req.CertificationID.String(),
			"certificate_number": req.CertificateNumber,
			"provider":           req.Provider,
			"event_hash":         ev.EventHash,
		})
	}

	s.notify(ctx, req, lookup.Status == eventledger.StatusVerified, ev)
	return out, nil
}

func (s *Service) notify(ctx context.Context, req Request, verified bool, ev *eventledger.Event) {
	if req.NotifyEmail == "" || s.mailer == nil {
		return
	}
	notice := email.VerificationNotice{
		SupplierName:      req.SupplierName,
		CertificateNumber: req.CertificateNumber,
		Provider:          req.Provider,
		Verified:          verified,
		CheckedAt:         ev.Timestamp,
		EventHash:         ev.EventHash,
	}
	if err := s.mailer.Send(ctx, req.NotifyEmail, notice.Subject(), notice.Body()); err != nil {
		s.logger.Warn("failed to send verification notice",
			zap.String("to", req.NotifyEmail),
			zap.Error(err),
		)
	}
}
