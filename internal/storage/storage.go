// Package storage opens the ledger Store selected by configuration.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/materialledger/internal/config"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/jmerrifield20/materialledger/migrations"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Backend is an opened Store together with the resources behind it.
type Backend struct {
	Store eventledger.Store
	// Pool is set for the postgres driver only.
	Pool *pgxpool.Pool

	closers []func(context.Context) error
}

// Close releases every resource held by the backend.
func (b *Backend) Close(ctx context.Context) error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Ping checks that the backend is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if b.Pool != nil {
		return b.Pool.Ping(ctx)
	}
	_, err := b.Store.ListPartitions(ctx)
	return err
}

// Open connects to the configured driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*Backend, error) {
	switch cfg.Driver {
	case "postgres":
		return openPostgres(ctx, cfg, logger)
	case "leveldb":
		store, err := eventledger.NewLevelDBStore(cfg.LevelDBPath)
		if err != nil {
			return nil, err
		}
		logger.Info("opened leveldb ledger", zap.String("path", cfg.LevelDBPath))
		return &Backend{
			Store:   store,
			closers: []func(context.Context) error{func(context.Context) error { return store.Close() }},
		}, nil
	case "mongo":
		return openMongo(ctx, cfg, logger)
	case "memory":
		logger.Warn("using in-memory ledger; events are lost on restart")
		return &Backend{Store: eventledger.NewMemoryStore()}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// NewPool creates a pgx pool with conservative sizing and checks connectivity.
func NewPool(ctx context.Context, cfg config.StorageConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = 5
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	ctxPing, cancel := context.WithTimeout(ctx, connectTimeout(cfg))
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func openPostgres(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*Backend, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to postgres")

	if cfg.AutoMigrate {
		if err := migrations.Apply(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &Backend{
		Store: eventledger.NewPostgresStore(pool, logger),
		Pool:  pool,
		closers: []func(context.Context) error{func(context.Context) error {
			pool.Close()
			return nil
		}},
	}, nil
}

func openMongo(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*Backend, error) {
	opts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1))

	ctxConn, cancel := context.WithTimeout(ctx, connectTimeout(cfg))
	defer cancel()

	client, err := mongo.Connect(ctxConn, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctxConn, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	store := eventledger.NewMongoStore(client.Database(cfg.MongoDatabase), logger)
	if err := store.InitSchema(ctxConn); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("init mongodb schema: %w", err)
	}
	logger.Info("connected to mongodb", zap.String("database", cfg.MongoDatabase))

	return &Backend{
		Store:   store,
		closers: []func(context.Context) error{client.Disconnect},
	}, nil
}

func connectTimeout(cfg config.StorageConfig) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return 3 * time.Second
}
