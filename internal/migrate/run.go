// Package migrate applies the embedded Postgres schema.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/target/dubbing-api/internal/data/pgxutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockKey serializes replicas that start with RUN_MIGRATIONS_ON_START at the same time.
const migrationLockKey int64 = 1002

const createVersionsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

// Run applies every pending migration in filename order and returns the versions it applied.
// Already-applied versions are skipped, so Run is safe to call on every start.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) ([]string, error) {
	return run(ctx, db, migrationsFS, logger)
}

func run(ctx context.Context, db *sql.DB, fsys fs.FS, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "migrations")

	if _, err := db.ExecContext(ctx, createVersionsTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations table: %w", err)
	}

	files, err := Pending(fsys)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, f := range files {
		version := strings.TrimSuffix(f, ".sql")
		ran, applyErr := apply(ctx, db, fsys, f, version)
		if applyErr != nil {
			return applied, applyErr
		}
		if ran {
			logger.InfoContext(ctx, "applied migration", "version", version)
			applied = append(applied, version)
		}
	}
	return applied, nil
}

// Pending lists the .sql files under migrations/ in apply order.
func Pending(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func apply(ctx context.Context, db *sql.DB, fsys fs.FS, file, version string) (bool, error) {
	body, err := fs.ReadFile(fsys, "migrations/"+file)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", file, err)
	}

	ran := false
	err = pgxutil.WithSQLTx(ctx, db, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if _, lockErr := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); lockErr != nil {
				return fmt.Errorf("lock migrations: %w", lockErr)
			}
			var exists bool
			if scanErr := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
			).Scan(&exists); scanErr != nil {
				return fmt.Errorf("check migration %s: %w", file, scanErr)
			}
			if exists {
				return nil
			}
			if _, execErr := tx.ExecContext(ctx, string(body)); execErr != nil {
				return fmt.Errorf("exec migration %s: %w", file, execErr)
			}
			if _, insErr := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); insErr != nil {
				return fmt.Errorf("record migration %s: %w", file, insErr)
			}
			ran = true
			return nil
		},
	})
	return ran, err
}
