package eventledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VerificationStatus is the outcome of a call to an external verification API.
type VerificationStatus string

const (
	StatusVerified VerificationStatus = "VERIFIED"
	StatusFailed   VerificationStatus = "FAILED"
	StatusPending  VerificationStatus = "PENDING"
	StatusError    VerificationStatus = "ERROR"
)

// Valid reports whether s is a known status.
func (s VerificationStatus) Valid() bool {
	switch s {
	case StatusVerified, StatusFailed, StatusPending, StatusError:
		return true
	}
	return false
}

// VerificationInput describes one call made to an external certification authority.
type VerificationInput struct {
	EntityType      string
	EntityID        string
	APIProvider     string
	APIEndpoint     string
	RequestPayload  json.RawMessage
	ResponsePayload json.RawMessage
	Status          VerificationStatus
}

// VerificationRecord is a standalone audit row for an external API call.
// Records are hashed individually and never chained.
type VerificationRecord struct {
	ID                 uuid.UUID          `json:"id"`
	EntityType         string             `json:"entity_type"`
	EntityID           string             `json:"entity_id"`
	APIProvider        string             `json:"api_provider"`
	APIEndpoint        string             `json:"api_endpoint"`
	RequestPayload     json.RawMessage    `json:"request_payload"`
	ResponsePayload    json.RawMessage    `json:"response_payload"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	RecordHash         string             `json:"record_hash"`
	Timestamp          time.Time          `json:"timestamp"`
}

type recordHashInput struct {
	EntityType         string             `json:"entity_type"`
	EntityID           string             `json:"entity_id"`
	APIProvider        string             `json:"api_provider"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	Timestamp          string             `json:"timestamp"`
}

// ComputeRecordHash hashes the fixed field set of a verification record.
func ComputeRecordHash(r *VerificationRecord) (string, error) {
	return hashDocument(recordHashInput{
		EntityType:         r.EntityType,
		EntityID:           r.EntityID,
		APIProvider:        r.APIProvider,
		VerificationStatus: r.VerificationStatus,
		Timestamp:          FormatTimestamp(r.Timestamp),
	})
}

// Intact reports whether the stored RecordHash still matches the record.
func (r *VerificationRecord) Intact() (bool, error) {
	h, err := ComputeRecordHash(r)
	if err != nil {
		return false, err
	}
	return h == r.RecordHash, nil
}

func (r *VerificationRecord) clone() *VerificationRecord {
	cp := *r
	cp.RequestPayload = append(json.RawMessage(nil), r.RequestPayload...)
	cp.ResponsePayload = append(json.RawMessage(nil), r.ResponsePayload...)
	return &cp
}

// payloadOrNull canonicalises an optional JSON payload.
func payloadOrNull(raw json.RawMessage, field string) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	out, err := Canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return out, nil
}
