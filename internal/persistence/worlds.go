package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/talgya/tribal-census/internal/census"
	"github.com/talgya/tribal-census/internal/world"
)

// Worlds lists the worlds with a metadata row.
func (db *DB) Worlds(ctx context.Context) ([]string, error) {
	var ids []string
	err := db.conn.SelectContext(ctx, &ids, "SELECT world FROM world ORDER BY world")
	return ids, err
}

// PartitionWorlds lists the worlds owning at least one entity partition.
func (db *DB) PartitionWorlds(ctx context.Context) ([]string, error) {
	kinds := make([]string, len(census.Kinds))
	for i, k := range census.Kinds {
		kinds[i] = string(k)
	}

	type partition struct {
		Parent string `db:"parent"`
		Name   string `db:"name"`
	}
	var parts []partition
	err := db.conn.SelectContext(ctx, &parts, `
		SELECT p.relname AS parent, c.relname AS name
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		JOIN pg_namespace n ON n.oid = p.relnamespace
		WHERE n.nspname = current_schema() AND p.relname = ANY($1)
		ORDER BY c.relname`, pq.Array(kinds))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, p := range parts {
		id := strings.TrimPrefix(p.Name, p.Parent+"_")
		if id == p.Name || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return world.Sorted(ids), nil
}

// EnsurePartitions creates the partition of every entity table for a world.
func (db *DB) EnsurePartitions(ctx context.Context, id string) error {
	if !world.ValidID(id) {
		return fmt.Errorf("invalid world id %q", id)
	}
	for _, kind := range census.Kinds {
		q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN (%s)",
			pq.QuoteIdentifier(partitionName(kind, id)),
			pq.QuoteIdentifier(string(kind)),
			pq.QuoteLiteral(id))
		if _, err := db.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create partition %s: %w", partitionName(kind, id), err)
		}
	}
	return nil
}

// UpsertWorld inserts or replaces the metadata row of a world.
func (db *DB) UpsertWorld(ctx context.Context, w world.World) error {
	config := string(w.Config)
	if config == "" {
		config = "{}"
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO world (world, speed, unit_speed, moral, config)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (world) DO UPDATE SET
			speed = EXCLUDED.speed,
			unit_speed = EXCLUDED.unit_speed,
			moral = EXCLUDED.moral,
			config = EXCLUDED.config`,
		w.ID, w.Speed, w.UnitSpeed, w.Moral, config)
	return err
}

// DropWorld removes the partitions and the metadata row of a world in one
// transaction.
func (db *DB) DropWorld(ctx context.Context, id string) error {
	if !world.ValidID(id) {
		return fmt.Errorf("invalid world id %q", id)
	}
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, kind := range census.Kinds {
		q := "DROP TABLE IF EXISTS " + pq.QuoteIdentifier(partitionName(kind, id))
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("drop partition %s: %w", partitionName(kind, id), err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM world WHERE world = $1", id); err != nil {
		return err
	}
	return tx.Commit()
}
