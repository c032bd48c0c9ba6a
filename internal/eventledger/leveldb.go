package eventledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	keyPrefixEvents        = "ev/"
	keyPrefixPartitions    = "pt/"
	keyPrefixVerifications = "vr/"
)

// LevelDBStore keeps the ledger in an embedded LevelDB database. Events are
// stored under "ev/<partition key>\x00<seq>", seq big-endian, so a prefix scan
// yields a partition in chain order.
type LevelDBStore struct {
	db    *leveldb.DB
	locks *partitionLocks

	// vmu serialises verification key allocation.
	vmu sync.Mutex
}

var _ Store = (*LevelDBStore)(nil)

// NewLevelDBStore opens (or creates) the database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db, locks: newPartitionLocks()}, nil
}

// Close releases the underlying database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

// WithPartition implements Store. Appends to one partition are serialised.
func (s *LevelDBStore) WithPartition(ctx context.Context, p Partition, fn func(tx PartitionTx) error) error {
	unlock, err := s.locks.lock(ctx, p.Key())
	if err != nil {
		return err
	}
	defer unlock()
	return fn(&levelDBTx{store: s, key: p.Key()})
}

type levelDBTx struct {
	store *LevelDBStore
	key   string
}

func (tx *levelDBTx) LatestEvent(ctx context.Context) (*Tip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	last, err := tx.store.lastEvent(tx.key)
	if err != nil || last == nil {
		return nil, err
	}
	return &Tip{Hash: last.EventHash, Seq: last.Seq, Timestamp: last.Timestamp}, nil
}

func (tx *levelDBTx) InsertEvent(ctx context.Context, e *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	last, err := tx.store.lastEvent(tx.key)
	if err != nil {
		return err
	}
	if last != nil && last.Seq >= e.Seq {
		return ErrStaleTip
	}

	encoded, err := encodeJSON(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(eventKey(tx.key, e.Seq), encoded)
	batch.Put([]byte(keyPrefixPartitions+tx.key), nil)
	if err := tx.store.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *LevelDBStore) lastEvent(partitionKey string) (*Event, error) {
	it := s.db.NewIterator(util.BytesPrefix(eventPrefix(partitionKey)), nil)
	defer it.Release()
	if !it.Last() {
		return nil, it.Error()
	}
	return decodeEvent(it.Value())
}

// QueryAllEvents implements Store.
func (s *LevelDBStore) QueryAllEvents(ctx context.Context, p Partition) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix(eventPrefix(p.Key())), nil)
	defer it.Release()

	var out []*Event
	for it.Next() {
		e, err := decodeEvent(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sortEvents(out)
	return out, nil
}

// ListPartitions implements Store.
func (s *LevelDBStore) ListPartitions(ctx context.Context) ([]Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPartitions)), nil)
	defer it.Release()

	var out []Partition
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(keyPrefixPartitions)))
		p, err := ParsePartitionKey(key)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, it.Error()
}

// InsertVerificationRecord implements Store.
func (s *LevelDBStore) InsertVerificationRecord(ctx context.Context, rec *VerificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeJSON(rec)
	if err != nil {
		return fmt.Errorf("encode verification record: %w", err)
	}

	s.vmu.Lock()
	defer s.vmu.Unlock()

	prefix := verificationPrefix(rec.EntityType, rec.EntityID)
	n, err := s.countPrefix(prefix)
	if err != nil {
		return err
	}
	key := append(prefix, uint64Bytes(uint64(n+1))...)
	return s.db.Put(key, encoded, &opt.WriteOptions{Sync: true})
}

// QueryVerificationRecords implements Store.
func (s *LevelDBStore) QueryVerificationRecords(ctx context.Context, entityType, entityID string) ([]*VerificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix(verificationPrefix(entityType, entityID)), nil)
	defer it.Release()

	var out []*VerificationRecord
	for it.Next() {
		var r VerificationRecord
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("decode verification record: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, &r)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *LevelDBStore) countPrefix(prefix []byte) (int, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// encodeJSON marshals v without HTML escaping so canonical payloads are stored
// byte for byte.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func decodeEvent(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func eventPrefix(partitionKey string) []byte {
	return []byte(keyPrefixEvents + partitionKey + "\x00")
}

func eventKey(partitionKey string, seq int64) []byte {
	return append(eventPrefix(partitionKey), uint64Bytes(uint64(seq))...)
}

func verificationPrefix(entityType, entityID string) []byte {
	return []byte(keyPrefixVerifications + entityType + "\x00" + entityID + "\x00")
}

func uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, i)
	return b
}
