package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/talgya/tribal-census/internal/census"
	"github.com/talgya/tribal-census/internal/world"
)

// Load replaces the partition of a world with rows. The rows are copied into
// a scratch table first; the partition is then locked, truncated and refilled
// inside the same transaction, so readers see either the old snapshot or the
// new one. Each call commits on its own.
func (db *DB) Load(ctx context.Context, kind census.Kind, id string, rows []census.Row) error {
	s, err := census.SchemaFor(kind)
	if err != nil {
		return err
	}
	if !world.ValidID(id) {
		return fmt.Errorf("invalid world id %q", id)
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	scratch := pq.QuoteIdentifier("scratch_" + string(kind))
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP", scratch, s.Definition())); err != nil {
		return fmt.Errorf("create scratch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("scratch_"+string(kind), s.ColumnNames()...))
	if err != nil {
		return fmt.Errorf("copy into scratch: %w", err)
	}
	for _, r := range rows {
		if r.World != id || len(r.Fields) != len(s.Columns) {
			stmt.Close()
			return fmt.Errorf("row %q does not fit %s of %s", r.String(), kind, id)
		}
		if _, err := stmt.ExecContext(ctx, r.Values()...); err != nil {
			stmt.Close()
			return fmt.Errorf("copy row %s: %w", r.ID(), err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return err
	}

	part := pq.QuoteIdentifier(partitionName(kind, id))
	for _, q := range []string{
		"LOCK TABLE " + part + " IN ACCESS EXCLUSIVE MODE",
		"TRUNCATE TABLE " + part,
		"INSERT INTO " + part + " SELECT * FROM " + scratch,
		"TRUNCATE TABLE " + scratch,
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("swap %s: %w", partitionName(kind, id), err)
		}
	}
	return tx.Commit()
}

// Snapshot returns the rows currently stored for a world, every column
// rendered as text.
func (db *DB) Snapshot(ctx context.Context, kind census.Kind, id string) ([]census.Row, error) {
	s, err := census.SchemaFor(kind)
	if err != nil {
		return nil, err
	}

	exprs := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		empty := "'0'"
		if strings.HasPrefix(c.Type, "VARCHAR") {
			empty = "''"
		}
		exprs[i] = fmt.Sprintf("COALESCE(%s::text, %s)", pq.QuoteIdentifier(c.Name), empty)
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE world = $1",
		strings.Join(exprs, ", "), pq.QuoteIdentifier(string(kind)))

	rows, err := db.conn.QueryContext(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []census.Row
	for rows.Next() {
		fields := make([]string, len(s.Columns))
		dest := make([]any, len(fields))
		for i := range fields {
			dest[i] = &fields[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, census.Row{World: id, Fields: fields})
	}
	return out, rows.Err()
}
