package webhooks

import (
	"time"
)

// Event types dispatched by the ledger service.
const (
	EventIntegrityViolation = "ledger.integrity_violation"
	EventVerificationFailed = "certification.verification_failed"
	EventAuditFailed        = "ledger.audit_failed"
)

// Event is the JSON document posted to every target.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	URL          string    `json:"url"`
	EventType    string    `json:"event_type"`
	StatusCode   int       `json:"status_code"`
	Attempt      int       `json:"attempt"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DeliveredAt  time.Time `json:"delivered_at"`
}
