package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"identity-reconciliation/internal/config"
)

//go:embed migrations/sqlite3/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// Migrate applies every pending migration for the connection's driver and
// returns the number applied.
func (db *DB) Migrate(ctx context.Context) (int, error) {
	dialect, dir, err := migrationSource(db.Driver)
	if err != nil {
		return 0, err
	}

	fsys, err := fs.Sub(migrationFiles, dir)
	if err != nil {
		return 0, fmt.Errorf("migrations %s: %w", dir, err)
	}

	provider, err := goose.NewProvider(dialect, db.Conn, fsys)
	if err != nil {
		return 0, fmt.Errorf("goose new provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("goose up: %w", err)
	}
	return len(results), nil
}

func migrationSource(driver string) (goose.Dialect, string, error) {
	switch driver {
	case config.DriverSQLite:
		return goose.DialectSQLite3, "migrations/sqlite3", nil
	case config.DriverPostgres:
		return goose.DialectPostgres, "migrations/postgres", nil
	default:
		return "", "", fmt.Errorf("no migrations for driver %q", driver)
	}
}
