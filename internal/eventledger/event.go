package eventledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Family groups partitions by the kind of entity they describe.
type Family string

const (
	FamilyProduct       Family = "product"
	FamilyCertification Family = "certification"
	FamilySupplyChain   Family = "supply_chain"
)

// Valid reports whether f is one of the known families.
func (f Family) Valid() bool {
	switch f {
	case FamilyProduct, FamilyCertification, FamilySupplyChain:
		return true
	}
	return false
}

// Well-known event types. The vocabulary is open; callers may use others.
const (
	EventCreated            = "CREATED"
	EventUpdated            = "UPDATED"
	EventCertified          = "CERTIFIED"
	EventIssued             = "ISSUED"
	EventAPIVerified        = "API_VERIFIED"
	EventVerificationFailed = "VERIFICATION_FAILED"
	EventExpired            = "EXPIRED"
	EventRevoked            = "REVOKED"
	EventHarvested          = "HARVESTED"
	EventShipped            = "SHIPPED"
	EventReceived           = "RECEIVED"
)

const maxEventTypeLen = 64

// Partition identifies one causal chain.
type Partition struct {
	Family   Family    `json:"family"`
	EntityID uuid.UUID `json:"entity_id"`
	// BatchNumber is only meaningful for FamilySupplyChain.
	BatchNumber string `json:"batch_number,omitempty"`
}

// ProductPartition returns the chain of product lifecycle events for productID.
func ProductPartition(productID uuid.UUID) Partition {
	return Partition{Family: FamilyProduct, EntityID: productID}
}

// CertificationPartition returns the chain for a single certification.
func CertificationPartition(certificationID uuid.UUID) Partition {
	return Partition{Family: FamilyCertification, EntityID: certificationID}
}

// SupplyChainPartition returns the chain for one batch of a product.
func SupplyChainPartition(productID uuid.UUID, batchNumber string) Partition {
	return Partition{Family: FamilySupplyChain, EntityID: productID, BatchNumber: batchNumber}
}

// Key renders the partition as a stable string, e.g. "supply_chain:<uuid>:B-7".
func (p Partition) Key() string {
	if p.Family == FamilySupplyChain {
		return fmt.Sprintf("%s:%s:%s", p.Family, p.EntityID, p.BatchNumber)
	}
	return fmt.Sprintf("%s:%s", p.Family, p.EntityID)
}

func (p Partition) String() string { return p.Key() }

// Validate checks that p names a known family and a non-nil entity.
func (p Partition) Validate() error {
	if !p.Family.Valid() {
		return fmt.Errorf("%w: unknown family %q", ErrInvalidPartition, p.Family)
	}
	if p.EntityID == uuid.Nil {
		return fmt.Errorf("%w: entity id is required", ErrInvalidPartition)
	}
	if p.Family != FamilySupplyChain && p.BatchNumber != "" {
		return fmt.Errorf("%w: batch number only applies to supply-chain partitions", ErrInvalidPartition)
	}
	if strings.ContainsRune(p.BatchNumber, 0) {
		return fmt.Errorf("%w: batch number contains NUL", ErrInvalidPartition)
	}
	return nil
}

// ParsePartitionKey is the inverse of Partition.Key.
func ParsePartitionKey(key string) (Partition, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return Partition{}, fmt.Errorf("%w: malformed key %q", ErrInvalidPartition, key)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return Partition{}, fmt.Errorf("%w: malformed entity id in %q", ErrInvalidPartition, key)
	}
	p := Partition{Family: Family(parts[0]), EntityID: id}
	switch {
	case p.Family == FamilySupplyChain && len(parts) == 3:
		p.BatchNumber = parts[2]
	case p.Family == FamilySupplyChain, len(parts) == 3:
		return Partition{}, fmt.Errorf("%w: malformed key %q", ErrInvalidPartition, key)
	}
	return p, p.Validate()
}

// Geolocation is the optional origin coordinate of a supply-chain event.
type Geolocation struct {
	Latitude  float64 `json:"latitude"  bson:"latitude"`
	Longitude float64 `json:"longitude" bson:"longitude"`
}

// Origin carries the optional audit context of the request that triggered an event.
type Origin struct {
	ActorID       string
	OriginAddress string
}

// Event is a single immutable ledger record.
type Event struct {
	ID                 uuid.UUID       `json:"id"`
	Partition          Partition       `json:"partition"`
	Seq                int64           `json:"seq"`
	EventType          string          `json:"event_type"`
	EventData          json.RawMessage `json:"event_data"`
	EventHash          string          `json:"event_hash"`
	PreviousEventHash  *string         `json:"previous_event_hash"`
	Timestamp          time.Time       `json:"timestamp"`
	ActorID            string          `json:"actor_id,omitempty"`
	OriginAddress      string          `json:"origin_address,omitempty"`
	SupplierID         uuid.UUID       `json:"supplier_id,omitzero"`
	VerificationSource string          `json:"verification_source,omitempty"`
	Geolocation        *Geolocation    `json:"geolocation,omitempty"`
}

// clone returns a deep copy so stores never share mutable state with callers.
func (e *Event) clone() *Event {
	cp := *e
	if e.EventData != nil {
		cp.EventData = append(json.RawMessage(nil), e.EventData...)
	}
	if e.PreviousEventHash != nil {
		prev := *e.PreviousEventHash
		cp.PreviousEventHash = &prev
	}
	if e.Geolocation != nil {
		geo := *e.Geolocation
		cp.Geolocation = &geo
	}
	return &cp
}

// eventHashInput is the document whose canonical form is hashed. Field names are
// part of the hash rule and must not change.
type eventHashInput struct {
	Family             Family          `json:"family"`
	PartitionKey       string          `json:"partition_key"`
	EntityID           string          `json:"entity_id"`
	BatchNumber        string          `json:"batch_number"`
	SupplierID         string          `json:"supplier_id"`
	EventType          string          `json:"event_type"`
	EventData          json.RawMessage `json:"event_data"`
	Timestamp          string          `json:"timestamp"`
	PreviousEventHash  *string         `json:"previous_event_hash"`
	ActorID            string          `json:"actor_id"`
	OriginAddress      string          `json:"origin_address"`
	VerificationSource string          `json:"verification_source"`
	Geolocation        *Geolocation    `json:"geolocation"`
}

// ComputeEventHash recomputes the hash of e from its own fields and its
// PreviousEventHash. The stored EventHash is ignored.
func ComputeEventHash(e *Event) (string, error) {
	supplier := ""
	if e.SupplierID != uuid.Nil {
		supplier = e.SupplierID.String()
	}
	data := e.EventData
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return hashDocument(eventHashInput{
		Family:             e.Partition.Family,
		PartitionKey:       e.Partition.Key(),
		EntityID:           e.Partition.EntityID.String(),
		BatchNumber:        e.Partition.BatchNumber,
		SupplierID:         supplier,
		EventType:          e.EventType,
		EventData:          data,
		Timestamp:          FormatTimestamp(e.Timestamp),
		PreviousEventHash:  e.PreviousEventHash,
		ActorID:            e.ActorID,
		OriginAddress:      e.OriginAddress,
		VerificationSource: e.VerificationSource,
		Geolocation:        e.Geolocation,
	})
}

func validateEventType(eventType string) error {
	if strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidEventType)
	}
	if len(eventType) > maxEventTypeLen {
		return fmt.Errorf("%w: event type longer than %d characters", ErrInvalidEventType, maxEventTypeLen)
	}
	return nil
}
