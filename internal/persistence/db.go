// Package persistence provides the PostgreSQL store the census lands in:
// list-partitioned entity tables, the world metadata table, the per-world
// bulk swap, daily archive generations and status notifications.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/talgya/tribal-census/internal/census"
)

// Options configures the store.
type Options struct {
	MaxConns          int
	ArchiveTablespace string // empty = default tablespace
	NotifyChannel     string
}

// DB wraps a PostgreSQL connection pool.
type DB struct {
	conn *sqlx.DB
	opts Options
}

// Open connects to PostgreSQL. The connection is established lazily; use
// Ping to wait for the server.
func Open(dsn string, opts Options) (*DB, error) {
	conn, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.MaxConns > 0 {
		conn.SetMaxOpenConns(opts.MaxConns)
		conn.SetMaxIdleConns(opts.MaxConns)
	}
	conn.SetConnMaxIdleTime(30 * time.Minute)
	if opts.NotifyChannel == "" {
		opts.NotifyChannel = "log"
	}
	return &DB{conn: conn, opts: opts}, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the server is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

const worldTable = `CREATE TABLE IF NOT EXISTS world (
	world VARCHAR(6) PRIMARY KEY,
	speed FLOAT(1),
	unit_speed FLOAT(1),
	moral SMALLINT,
	config JSON
)`

// Setup creates the base tables if needed and makes sure every recorded
// world has its partitions.
func (db *DB) Setup(ctx context.Context) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, kind := range census.Kinds {
		if _, err := tx.ExecContext(ctx, baseTableDDL(census.MustSchema(kind))); err != nil {
			return fmt.Errorf("create %s: %w", kind, err)
		}
	}
	if _, err := tx.ExecContext(ctx, worldTable); err != nil {
		return fmt.Errorf("create world: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	ids, err := db.Worlds(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := db.EnsurePartitions(ctx, id); err != nil {
			return err
		}
	}
	slog.Info("schema ready", "worlds", len(ids))
	return nil
}

func baseTableDDL(s *census.Schema) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) PARTITION BY LIST (world)",
		pq.QuoteIdentifier(string(s.Kind)), s.Definition())
}

func partitionName(kind census.Kind, id string) string {
	return string(kind) + "_" + id
}
