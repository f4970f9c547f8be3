package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"identity-reconciliation/internal/config"
)

// DB wraps the sql.DB connection together with the driver it was opened with.
type DB struct {
	Conn   *sql.DB
	Driver string
}

// New opens a database connection for cfg.Driver, applies pool settings and pings it.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dsn := cfg.DSN
	if cfg.Driver == config.DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	conn, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == config.DriverSQLite {
		// One connection: a single writer, and ":memory:" stays one database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Conn: conn, Driver: cfg.Driver}, nil
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.Conn.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Conn.Close()
}

// sqliteDSN turns on foreign keys, a busy timeout and BEGIN IMMEDIATE
// transactions unless the DSN already sets them.
func sqliteDSN(dsn string) string {
	params := []string{"_foreign_keys=on", "_busy_timeout=5000", "_txlock=immediate"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		name := p[:strings.Index(p, "=")+1]
		if strings.Contains(dsn, name) {
			continue
		}
		dsn += sep + p
		sep = "&"
	}
	return dsn
}
