package eventledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	EventCollectionName        = "ledger_events"
	VerificationCollectionName = "api_verifications"
)

// MongoStore persists the ledger to MongoDB. It takes no locks: concurrent
// appends race on the unique (partition_key, seq) and
// (partition_key, previous_event_hash) indexes and the loser gets ErrStaleTip.
type MongoStore struct {
	logger        *zap.Logger
	events        *mongo.Collection
	verifications *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a MongoStore over db. Call InitSchema before use.
func NewMongoStore(db *mongo.Database, logger *zap.Logger) *MongoStore {
	return &MongoStore{
		logger:        logger,
		events:        db.Collection(EventCollectionName),
		verifications: db.Collection(VerificationCollectionName),
	}
}

// InitSchema creates the indexes the append protocol depends on.
func (s *MongoStore) InitSchema(ctx context.Context) error {
	if _, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "partition_key", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// A missing previous hash indexes as null, so this also allows one root.
			Keys:    bson.D{{Key: "partition_key", Value: 1}, {Key: "previous_event_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "event_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}); err != nil {
		return fmt.Errorf("create event indexes: %w", err)
	}

	if _, err := s.verifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}, {Key: "timestamp", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create verification indexes: %w", err)
	}
	return nil
}

type eventDocument struct {
	ID                 string       `bson:"_id"`
	PartitionKey       string       `bson:"partition_key"`
	Family             string       `bson:"family"`
	EntityID           string       `bson:"entity_id"`
	BatchNumber        string       `bson:"batch_number,omitempty"`
	Seq                int64        `bson:"seq"`
	EventType          string       `bson:"event_type"`
	EventData          string       `bson:"event_data"`
	EventHash          string       `bson:"event_hash"`
	PreviousEventHash  *string      `bson:"previous_event_hash"`
	Timestamp          time.Time    `bson:"timestamp"`
	ActorID            string       `bson:"actor_id,omitempty"`
	OriginAddress      string       `bson:"origin_address,omitempty"`
	SupplierID         string       `bson:"supplier_id,omitempty"`
	VerificationSource string       `bson:"verification_source,omitempty"`
	Geolocation        *Geolocation `bson:"geolocation,omitempty"`
}

func toEventDocument(e *Event) eventDocument {
	doc := eventDocument{
		ID:                 e.ID.String(),
		PartitionKey:       e.Partition.Key(),
		Family:             string(e.Partition.Family),
		EntityID:           e.Partition.EntityID.String(),
		BatchNumber:        e.Partition.BatchNumber,
		Seq:                e.Seq,
		EventType:          e.EventType,
		EventData:          string(e.EventData),
		EventHash:          e.EventHash,
		PreviousEventHash:  e.PreviousEventHash,
		Timestamp:          e.Timestamp,
		ActorID:            e.ActorID,
		OriginAddress:      e.OriginAddress,
		VerificationSource: e.VerificationSource,
		Geolocation:        e.Geolocation,
	}
	if e.SupplierID != uuid.Nil {
		doc.SupplierID = e.SupplierID.String()
	}
	return doc
}

func (d eventDocument) toEvent() (*Event, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("decode event id %q: %w", d.ID, err)
	}
	entityID, err := uuid.Parse(d.EntityID)
	if err != nil {
		return nil, fmt.Errorf("decode entity id %q: %w", d.EntityID, err)
	}
	e := &Event{
		ID: id,
		Partition: Partition{
			Family:      Family(d.Family),
			EntityID:    entityID,
			BatchNumber: d.BatchNumber,
		},
		Seq:                d.Seq,
		EventType:          d.EventType,
		EventData:          []byte(d.EventData),
		EventHash:          d.EventHash,
		PreviousEventHash:  d.PreviousEventHash,
		Timestamp:          d.Timestamp.UTC(),
		ActorID:            d.ActorID,
		OriginAddress:      d.OriginAddress,
		VerificationSource: d.VerificationSource,
		Geolocation:        d.Geolocation,
	}
	if d.SupplierID != "" {
		if e.SupplierID, err = uuid.Parse(d.SupplierID); err != nil {
			return nil, fmt.Errorf("decode supplier id %q: %w", d.SupplierID, err)
		}
	}
	return e, nil
}

// WithPartition implements Store.
func (s *MongoStore) WithPartition(ctx context.Context, p Partition, fn func(tx PartitionTx) error) error {
	return fn(&mongoTx{store: s, key: p.Key()})
}

type mongoTx struct {
	store *MongoStore
	key   string
}

func (tx *mongoTx) LatestEvent(ctx context.Context) (*Tip, error) {
	var doc eventDocument
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	if err := tx.store.events.FindOne(ctx, bson.D{{Key: "partition_key", Value: tx.key}}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("read partition tip: %w", err)
	}
	return &Tip{Hash: doc.EventHash, Seq: doc.Seq, Timestamp: doc.Timestamp.UTC()}, nil
}

func (tx *mongoTx) InsertEvent(ctx context.Context, e *Event) error {
	if _, err := tx.store.events.InsertOne(ctx, toEventDocument(e)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrStaleTip
		}
		return fmt.Errorf("insert ledger event: %w", err)
	}
	return nil
}

// QueryAllEvents implements Store.
func (s *MongoStore) QueryAllEvents(ctx context.Context, p Partition) ([]*Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "seq", Value: 1}})
	cursor, err := s.events.Find(ctx, bson.D{{Key: "partition_key", Value: p.Key()}}, opts)
	if err != nil {
		return nil, fmt.Errorf("query ledger events: %w", err)
	}

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode ledger events: %w", err)
	}

	out := make([]*Event, 0, len(docs))
	for _, d := range docs {
		e, err := d.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ListPartitions implements Store.
func (s *MongoStore) ListPartitions(ctx context.Context) ([]Partition, error) {
	keys, err := s.events.Distinct(ctx, "partition_key", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	out := make([]Partition, 0, len(keys))
	for _, k := range keys {
		key, ok := k.(string)
		if !ok {
			continue
		}
		p, err := ParsePartitionKey(key)
		if err != nil {
			s.logger.Warn("skipping malformed partition key", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

type verificationDocument struct {
	ID                 string    `bson:"_id"`
	EntityType         string    `bson:"entity_type"`
	EntityID           string    `bson:"entity_id"`
	APIProvider        string    `bson:"api_provider"`
	APIEndpoint        string    `bson:"api_endpoint"`
	RequestPayload     string    `bson:"request_payload"`
	ResponsePayload    string    `bson:"response_payload"`
	VerificationStatus string    `bson:"verification_status"`
	RecordHash         string    `bson:"record_hash"`
	Timestamp          time.Time `bson:"timestamp"`
}

// InsertVerificationRecord implements Store.
func (s *MongoStore) InsertVerificationRecord(ctx context.Context, rec *VerificationRecord) error {
	if _, err := s.verifications.InsertOne(ctx, verificationDocument{
		ID:                 rec.ID.String(),
		EntityType:         rec.EntityType,
		EntityID:           rec.EntityID,
		APIProvider:        rec.APIProvider,
		APIEndpoint:        rec.APIEndpoint,
		RequestPayload:     string(rec.RequestPayload),
		ResponsePayload:    string(rec.ResponsePayload),
		VerificationStatus: string(rec.VerificationStatus),
		RecordHash:         rec.RecordHash,
		Timestamp:          rec.Timestamp,
	}); err != nil {
		return fmt.Errorf("insert verification record: %w", err)
	}
	return nil
}

// QueryVerificationRecords implements Store.
func (s *MongoStore) QueryVerificationRecords(ctx context.Context, entityType, entityID string) ([]*VerificationRecord, error) {
	filter := bson.D{{Key: "entity_type", Value: entityType}, {Key: "entity_id", Value: entityID}}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := s.verifications.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query verification records: %w", err)
	}

	var docs []verificationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode verification records: %w", err)
	}

	out := make([]*VerificationRecord, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, fmt.Errorf("decode verification id %q: %w", d.ID, err)
		}
		out = append(out, &VerificationRecord{
			ID:                 id,
			EntityType:         d.EntityType,
			EntityID:           d.EntityID,
			APIProvider:        d.APIProvider,
			APIEndpoint:        d.APIEndpoint,
			RequestPayload:     []byte(d.RequestPayload),
			ResponsePayload:    []byte(d.ResponsePayload),
			VerificationStatus: VerificationStatus(d.VerificationStatus),
			RecordHash:         d.RecordHash,
			Timestamp:          d.Timestamp.UTC(),
		})
	}
	return out, nil
}
