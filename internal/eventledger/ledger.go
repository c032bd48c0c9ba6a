package eventledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxAppendAttempts bounds how often an append re-reads the tip after
// losing a race on an optimistic store.
const DefaultMaxAppendAttempts = 5

// Recorder receives ledger outcomes, typically to export them as metrics.
type Recorder interface {
	RecordAppend(family Family, err error)
	RecordVerify(family Family, valid bool)
	RecordAPIVerification(status VerificationStatus, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordAppend(Family, error)                     {}
func (nopRecorder) RecordVerify(Family, bool)                      {}
func (nopRecorder) RecordAPIVerification(VerificationStatus, error) {}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRecorder registers a Recorder for append and verify outcomes.
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

// WithMaxAppendAttempts sets how many times a stale-tip append is retried in total.
func WithMaxAppendAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// Ledger appends hash-chained events and verifies chains. It holds no state of
// its own beyond its collaborators and is safe for concurrent use.
type Ledger struct {
	store       Store
	logger      *zap.Logger
	recorder    Recorder
	now         func() time.Time
	maxAttempts int
}

// New creates a Ledger over store.
func New(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:       store,
		logger:      logger,
		recorder:    nopRecorder{},
		now:         time.Now,
		maxAttempts: DefaultMaxAppendAttempts,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendProductEvent records a product lifecycle event (CREATED, UPDATED, ...).
func (l *Ledger) AppendProductEvent(ctx context.Context, productID uuid.UUID, eventType string, eventData json.RawMessage, origin Origin) (*Event, error) {
	return l.append(ctx, &Event{
		Partition:     ProductPartition(productID),
		EventType:     eventType,
		EventData:     eventData,
		ActorID:       origin.ActorID,
		OriginAddress: origin.OriginAddress,
	})
}

// AppendCertificationEvent records an event on a certification's chain.
// verificationSource names the authority that produced the data, if any.
func (l *Ledger) AppendCertificationEvent(ctx context.Context, certificationID, supplierID uuid.UUID, eventType string, eventData json.RawMessage, verificationSource string, origin Origin) (*Event, error) {
	return l.append(ctx, &Event{
		Partition:          CertificationPartition(certificationID),
		SupplierID:         supplierID,
		EventType:          eventType,
		EventData:          eventData,
		VerificationSource: verificationSource,
		ActorID:            origin.ActorID,
		OriginAddress:      origin.OriginAddress,
	})
}

// AppendSupplyChainEvent records a custody event for one batch of a product.
func (l *Ledger) AppendSupplyChainEvent(ctx context.Context, productID, supplierID uuid.UUID, eventType string, eventData json.RawMessage, batchNumber string, geo *Geolocation, origin Origin) (*Event, error) {
	if geo != nil {
		if err := validateGeolocation(geo); err != nil {
			return nil, err
		}
	}
	return l.append(ctx, &Event{
		Partition:     SupplyChainPartition(productID, batchNumber),
		SupplierID:    supplierID,
		EventType:     eventType,
		EventData:     eventData,
		Geolocation:   geo,
		ActorID:       origin.ActorID,
		OriginAddress: origin.OriginAddress,
	})
}

// append chains draft onto its partition. Input is validated and canonicalised
// before the store is touched.
func (l *Ledger) append(ctx context.Context, draft *Event) (*Event, error) {
	p := draft.Partition
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := validateEventType(draft.EventType); err != nil {
		return nil, err
	}
	data := draft.EventData
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	canonical, err := Canonicalize(data)
	if err != nil {
		return nil, err
	}
	draft.EventData = canonical

	var stored *Event
	for attempt := 1; ; attempt++ {
		stored = nil
		err = l.store.WithPartition(ctx, p, func(tx PartitionTx) error {
			tip, err := tx.LatestEvent(ctx)
			if err != nil {
				return fmt.Errorf("read partition tip: %w", err)
			}

			ev := draft.clone()
			ev.ID = uuid.New()
			ev.Seq = 1
			ev.Timestamp = normalizeTimestamp(l.now())
			ev.PreviousEventHash = nil
			if tip != nil {
				prev := tip.Hash
				ev.PreviousEventHash = &prev
				ev.Seq = tip.Seq + 1
				// Timestamps never go backwards within a partition.
				if tipTS := normalizeTimestamp(tip.Timestamp); ev.Timestamp.Before(tipTS) {
					ev.Timestamp = tipTS
				}
			}

			hash, err := ComputeEventHash(ev)
			if err != nil {
				return err
			}
			ev.EventHash = hash

			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
			stored = ev
			return nil
		})
		if err == nil {
			break
		}
		if errors.Is(err, ErrStaleTip) && attempt < l.maxAttempts && ctx.Err() == nil {
			l.logger.Debug("partition tip moved during append, retrying",
				zap.String("partition", p.Key()),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if errors.Is(err, ErrStaleTip) {
			err = fmt.Errorf("%w after %d attempts: %w", ErrConcurrentAppend, attempt, err)
		}

		l.logger.Error("ledger append failed, audit event not recorded",
			zap.String("partition", p.Key()),
			zap.String("event_type", draft.EventType),
			zap.String("actor_id", draft.ActorID),
			zap.Error(err),
		)
		l.recorder.RecordAppend(p.Family, err)
		return nil, fmt.Errorf("append %s event to %s: %w", draft.EventType, p.Key(), err)
	}

	l.recorder.RecordAppend(p.Family, nil)
	l.logger.Debug("ledger event appended",
		zap.String("partition", p.Key()),
		zap.Int64("seq", stored.Seq),
		zap.String("event_type", stored.EventType),
		zap.String("hash", stored.EventHash),
	)
	return stored.clone(), nil
}

// LogAPIVerification records a call made to an external verification API.
func (l *Ledger) LogAPIVerification(ctx context.Context, in VerificationInput) (*VerificationRecord, error) {
	if !in.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, in.Status)
	}
	if strings.TrimSpace(in.EntityType) == "" || strings.TrimSpace(in.EntityID) == "" || strings.TrimSpace(in.APIProvider) == "" {
		return nil, fmt.Errorf("%w: entity type, entity id and api provider are required", ErrInvalidEventData)
	}
	reqPayload, err := payloadOrNull(in.RequestPayload, "request payload")
	if err != nil {
		return nil, err
	}
	respPayload, err := payloadOrNull(in.ResponsePayload, "response payload")
	if err != nil {
		return nil, err
	}

	rec := &VerificationRecord{
		ID:                 uuid.New(),
		EntityType:         in.EntityType,
		EntityID:           in.EntityID,
		APIProvider:        in.APIProvider,
		APIEndpoint:        in.APIEndpoint,
		RequestPayload:     reqPayload,
		ResponsePayload:    respPayload,
		VerificationStatus: in.Status,
		Timestamp:          normalizeTimestamp(l.now()),
	}
	if rec.RecordHash, err = ComputeRecordHash(rec); err != nil {
		return nil, err
	}

	if err := l.store.InsertVerificationRecord(ctx, rec); err != nil {
		l.logger.Error("verification record not stored",
			zap.String("entity_type", in.EntityType),
			zap.String("entity_id", in.EntityID),
			zap.String("api_provider", in.APIProvider),
			zap.Error(err),
		)
		l.recorder.RecordAPIVerification(in.Status, err)
		return nil, fmt.Errorf("insert verification record: %w", err)
	}
	l.recorder.RecordAPIVerification(in.Status, nil)
	return rec.clone(), nil
}

// VerificationRecords returns the verification log of one entity, oldest first.
func (l *Ledger) VerificationRecords(ctx context.Context, entityType, entityID string) ([]*VerificationRecord, error) {
	recs, err := l.store.QueryVerificationRecords(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query verification records: %w", err)
	}
	return recs, nil
}

// Events returns the full chain of p in ascending order.
func (l *Ledger) Events(ctx context.Context, p Partition) ([]*Event, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	events, err := l.store.QueryAllEvents(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("query events of %s: %w", p.Key(), err)
	}
	return events, nil
}

// Partitions lists every partition that holds events.
func (l *Ledger) Partitions(ctx context.Context) ([]Partition, error) {
	ps, err := l.store.ListPartitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return ps, nil
}

func validateGeolocation(g *Geolocation) error {
	if math.IsNaN(g.Latitude) || math.IsNaN(g.Longitude) ||
		g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 {
		return fmt.Errorf("%w: geolocation out of range", ErrInvalidEventData)
	}
	return nil
}
