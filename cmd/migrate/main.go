// Command migrate prepares the configured ledger store.
//
// For postgres it applies the embedded migrations, tracked in the same
// schema_migrations table format as golang-migrate (bigint version + dirty
// flag) so the two tools are interchangeable. For mongo it creates the
// indexes the append protocol relies on. Other drivers need no preparation.
//
// Usage:
//
//	go run ./cmd/migrate
//	STORAGE_DATABASE_URL=postgres://... go run ./cmd/migrate
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmerrifield20/materialledger/internal/config"
	"github.com/jmerrifield20/materialledger/internal/storage"
	"github.com/jmerrifield20/materialledger/migrations"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load(os.Getenv("LEDGER_CONFIG"))
	if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch cfg.Storage.Driver {
	case "postgres":
		db, err := storage.NewPool(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("connected to database")
		return migrations.Apply(ctx, db, logger)

	case "mongo":
		// Open creates the indexes.
		backend, err := storage.Open(ctx, cfg.Storage, logger)
		if err != nil {
			return err
		}
		return backend.Close(ctx)

	default:
		logger.Info("nothing to migrate", zap.String("driver", cfg.Storage.Driver))
		return nil
	}
}
