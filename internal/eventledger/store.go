package eventledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidEventData is returned when event data cannot be canonicalised.
	// Nothing is hashed or written.
	ErrInvalidEventData = errors.New("invalid event data")

	// ErrInvalidEventType is returned for an empty or oversized event type.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrInvalidPartition is returned for an unknown family or missing entity id.
	ErrInvalidPartition = errors.New("invalid partition")

	// ErrInvalidStatus is returned for an unknown verification status.
	ErrInvalidStatus = errors.New("invalid verification status")

	// ErrStaleTip is returned by PartitionTx.InsertEvent when another writer
	// extended the partition after the tip was read.
	ErrStaleTip = errors.New("partition tip is stale")

	// ErrConcurrentAppend is returned when an append keeps losing the race for
	// the partition tip and gives up.
	ErrConcurrentAppend = errors.New("concurrent append to partition")
)

// Tip is the most recent event of a partition, as needed to chain the next one.
type Tip struct {
	Hash      string
	Seq       int64
	Timestamp time.Time
}

// PartitionTx is the write view of one partition handed out by Store.WithPartition.
type PartitionTx interface {
	// LatestEvent returns the partition tip, or nil for an empty partition.
	LatestEvent(ctx context.Context) (*Tip, error)

	// InsertEvent writes e. It never updates or replaces an existing event and
	// returns ErrStaleTip if e would fork the chain.
	InsertEvent(ctx context.Context, e *Event) error
}

// Store is the persistence boundary of the ledger. Only the ledger writes events.
type Store interface {
	// WithPartition runs fn with write access to p. Implementations either
	// serialise fn per partition or make InsertEvent fail with ErrStaleTip when
	// the tip moved underneath it. fn's insert commits only if fn returns nil.
	WithPartition(ctx context.Context, p Partition, fn func(tx PartitionTx) error) error

	// QueryAllEvents returns the events of p ordered by timestamp, then seq.
	QueryAllEvents(ctx context.Context, p Partition) ([]*Event, error)

	// ListPartitions returns every partition holding at least one event.
	ListPartitions(ctx context.Context) ([]Partition, error)

	// InsertVerificationRecord writes a standalone verification record.
	InsertVerificationRecord(ctx context.Context, rec *VerificationRecord) error

	// QueryVerificationRecords returns the records for one entity, oldest first.
	QueryVerificationRecords(ctx context.Context, entityType, entityID string) ([]*VerificationRecord, error)
}
