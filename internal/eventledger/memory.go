package eventledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store. It is primarily useful for
// testing and for single-process deployments that do not need durability.
type MemoryStore struct {
	locks *partitionLocks

	mu            sync.RWMutex
	partitions    map[string][]*Event
	verifications []*VerificationRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:      newPartitionLocks(),
		partitions: make(map[string][]*Event),
	}
}

// WithPartition implements Store. Appends to one partition are serialised.
func (s *MemoryStore) WithPartition(ctx context.Context, p Partition, fn func(tx PartitionTx) error) error {
	unlock, err := s.locks.lock(ctx, p.Key())
	if err != nil {
		return err
	}
	defer unlock()
	return fn(&memoryTx{store: s, key: p.Key()})
}

type memoryTx struct {
	store *MemoryStore
	key   string
}

func (tx *memoryTx) LatestEvent(ctx context.Context) (*Tip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	events := tx.store.partitions[tx.key]
	if len(events) == 0 {
		return nil, nil
	}
	last := events[len(events)-1]
	return &Tip{Hash: last.EventHash, Seq: last.Seq, Timestamp: last.Timestamp}, nil
}

func (tx *memoryTx) InsertEvent(ctx context.Context, e *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	events := tx.store.partitions[tx.key]
	if len(events) > 0 && events[len(events)-1].Seq >= e.Seq {
		return ErrStaleTip
	}
	tx.store.partitions[tx.key] = append(events, e.clone())
	return nil
}

// QueryAllEvents implements Store.
func (s *MemoryStore) QueryAllEvents(ctx context.Context, p Partition) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.partitions[p.Key()]
	out := make([]*Event, 0, len(events))
	for _, e := range events {
		out = append(out, e.clone())
	}
	sortEvents(out)
	return out, nil
}

// ListPartitions implements Store.
func (s *MemoryStore) ListPartitions(ctx context.Context) ([]Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Partition, 0, len(s.partitions))
	for key := range s.partitions {
		p, err := ParsePartitionKey(key)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// InsertVerificationRecord implements Store.
func (s *MemoryStore) InsertVerificationRecord(ctx context.Context, rec *VerificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifications = append(s.verifications, rec.clone())
	return nil
}

// QueryVerificationRecords implements Store.
func (s *MemoryStore) QueryVerificationRecords(ctx context.Context, entityType, entityID string) ([]*VerificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*VerificationRecord
	for _, r := range s.verifications {
		if r.EntityType == entityType && r.EntityID == entityID {
			out = append(out, r.clone())
		}
	}
	return out, nil
}

// sortEvents orders a partition by timestamp, then seq.
func sortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Seq < events[j].Seq
	})
}
