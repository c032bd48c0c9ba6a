// Package migrations embeds the PostgreSQL schema of the ledger and applies it
// using the golang-migrate schema_migrations table format (bigint version +
// dirty flag), so the two tools are interchangeable.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed *.sql
var embeddedFiles embed.FS

// File is one migration script.
type File struct {
	Name    string
	Version int64
	SQL     string
}

// Ordered returns the embedded *.up.sql files sorted by name.
func Ordered() ([]File, error) {
	entries, err := fs.ReadDir(embeddedFiles, ".")
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}

		ver, err := versionFromFile(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", entry.Name(), err)
		}
		body, err := embeddedFiles.ReadFile(entry.Name())
		if err != nil {
			return nil, err
		}

		files = append(files, File{Name: entry.Name(), Version: ver, SQL: string(body)})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// Apply runs every migration not yet recorded as clean in schema_migrations.
func Apply(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := Ordered()
	if err != nil {
		return err
	}

	applied := 0
	for _, f := range files {
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			f.Version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check %s: %w", f.Name, err)
		}
		if exists {
			logger.Debug("migration already applied", zap.String("file", f.Name))
			continue
		}

		// Mark dirty before applying so a crash is visible.
		if _, err := db.Exec(ctx,
			`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
			 ON CONFLICT (version) DO UPDATE SET dirty = true`, f.Version,
		); err != nil {
			return fmt.Errorf("mark dirty %s: %w", f.Name, err)
		}

		if _, err := db.Exec(ctx, f.SQL); err != nil {
			return fmt.Errorf("apply %s: %w", f.Name, err)
		}

		if _, err := db.Exec(ctx,
			`UPDATE schema_migrations SET dirty = false WHERE version = $1`, f.Version,
		); err != nil {
			return fmt.Errorf("mark clean %s: %w", f.Name, err)
		}

		logger.Info("migration applied", zap.String("file", f.Name))
		applied++
	}

	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
	return nil
}

// versionFromFile extracts the leading integer from a migration filename.
// "001_event_ledger.up.sql" → 1
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
