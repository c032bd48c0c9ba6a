package eventledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const eventColumns = `id, partition_key, family, entity_id, batch_number, seq, event_type, event_data,
	event_hash, previous_event_hash, event_timestamp, actor_id, origin_address, supplier_id,
	verification_source, geo_latitude, geo_longitude`

// PostgresStore persists the ledger to PostgreSQL (see migrations/). Appends to
// a partition are serialised with a transaction-scoped advisory lock derived
// from the partition key; unique indexes on (partition_key, seq) and
// (partition_key, previous_event_hash) reject forks that slip past it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// WithPartition implements Store. fn runs inside one transaction that holds the
// partition's advisory lock until commit or rollback.
func (s *PostgresStore) WithPartition(ctx context.Context, p Partition, fn func(tx PartitionTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", p.Key()); err != nil {
		return fmt.Errorf("acquire partition lock: %w", err)
	}

	if err := fn(&postgresTx{tx: tx, partition: p}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", mapUniqueViolation(err))
	}
	return nil
}

type postgresTx struct {
	tx        pgx.Tx
	partition Partition
}

func (t *postgresTx) LatestEvent(ctx context.Context) (*Tip, error) {
	var tip Tip
	err := t.tx.QueryRow(ctx,
		`SELECT event_hash, seq, event_timestamp FROM ledger_events
		 WHERE partition_key = $1 ORDER BY seq DESC LIMIT 1`,
		t.partition.Key(),
	).Scan(&tip.Hash, &tip.Seq, &tip.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read partition tip: %w", err)
	}
	return &tip, nil
}

func (t *postgresTx) InsertEvent(ctx context.Context, e *Event) error {
	var supplier *uuid.UUID
	if e.SupplierID != uuid.Nil {
		supplier = &e.SupplierID
	}
	var lat, lng *float64
	if e.Geolocation != nil {
		lat, lng = &e.Geolocation.Latitude, &e.Geolocation.Longitude
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.Partition.Key(), string(e.Partition.Family), e.Partition.EntityID, e.Partition.BatchNumber,
		e.Seq, e.EventType, string(e.EventData), e.EventHash, e.PreviousEventHash, e.Timestamp,
		e.ActorID, e.OriginAddress, supplier, e.VerificationSource, lat, lng,
	)
	if err != nil {
		return fmt.Errorf("insert ledger event: %w", mapUniqueViolation(err))
	}
	return nil
}

// QueryAllEvents implements Store.
func (s *PostgresStore) QueryAllEvents(ctx context.Context, p Partition) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM ledger_events
		 WHERE partition_key = $1 ORDER BY event_timestamp ASC, seq ASC`,
		p.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		e        Event
		key      string
		family   string
		data     string
		supplier *uuid.UUID
		lat, lng *float64
	)
	if err := row.Scan(
		&e.ID, &key, &family, &e.Partition.EntityID, &e.Partition.BatchNumber,
		&e.Seq, &e.EventType, &data, &e.EventHash, &e.PreviousEventHash, &e.Timestamp,
		&e.ActorID, &e.OriginAddress, &supplier, &e.VerificationSource, &lat, &lng,
	); err != nil {
		return nil, fmt.Errorf("scan ledger row: %w", err)
	}
	e.Partition.Family = Family(family)
	e.EventData = []byte(data)
	e.Timestamp = e.Timestamp.UTC()
	if supplier != nil {
		e.SupplierID = *supplier
	}
	if lat != nil && lng != nil {
		e.Geolocation = &Geolocation{Latitude: *lat, Longitude: *lng}
	}
	return &e, nil
}

// ListPartitions implements Store.
func (s *PostgresStore) ListPartitions(ctx context.Context) ([]Partition, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT partition_key FROM ledger_events ORDER BY partition_key`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var out []Partition
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan partition key: %w", err)
		}
		p, err := ParsePartitionKey(key)
		if err != nil {
			s.logger.Warn("skipping malformed partition key", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertVerificationRecord implements Store.
func (s *PostgresStore) InsertVerificationRecord(ctx context.Context, rec *VerificationRecord) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO api_verifications (id, entity_type, entity_id, api_provider, api_endpoint,
			request_payload, response_payload, verification_status, record_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.EntityType, rec.EntityID, rec.APIProvider, rec.APIEndpoint,
		string(rec.RequestPayload), string(rec.ResponsePayload),
		string(rec.VerificationStatus), rec.RecordHash, rec.Timestamp,
	); err != nil {
		return fmt.Errorf("insert verification record: %w", err)
	}
	return nil
}

// QueryVerificationRecords implements Store.
func (s *PostgresStore) QueryVerificationRecords(ctx context.Context, entityType, entityID string) ([]*VerificationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, api_provider, api_endpoint, request_payload,
			response_payload, verification_status, record_hash, created_at
		 FROM api_verifications WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY created_at ASC`,
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query verification records: %w", err)
	}
	defer rows.Close()

	var out []*VerificationRecord
	for rows.Next() {
		var (
			r         VerificationRecord
			req, resp string
			status    string
		)
		if err := rows.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.APIProvider, &r.APIEndpoint,
			&req, &resp, &status, &r.RecordHash, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan verification record: %w", err)
		}
		r.RequestPayload = []byte(req)
		r.ResponsePayload = []byte(resp)
		r.VerificationStatus = VerificationStatus(status)
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

// mapUniqueViolation turns a unique-constraint violation into ErrStaleTip.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrStaleTip, pgErr.ConstraintName)
	}
	return err
}
