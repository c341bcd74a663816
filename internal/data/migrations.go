package data

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/target/dubbing-api/internal/migrate"
)

// RunMigrations applies the embedded schema migrations and returns the versions applied.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) ([]string, error) {
	return migrate.Run(ctx, db, logger)
}
