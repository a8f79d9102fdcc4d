package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/talgya/tribal-census/internal/census"
)

// archiveStep is one table operation of a rotation.
type archiveStep struct {
	Table string
	Drop  bool
	To    string // rename target when not dropping
}

// rotationPlan ages every generation of kind by one day, highest first so
// renames never collide. Generations that would exceed maxDays are dropped.
func rotationPlan(kind census.Kind, tables []string, maxDays int) []archiveStep {
	prefix := string(kind) + "_"
	type gen struct {
		table string
		n     int
	}
	var gens []gen
	for _, t := range tables {
		suffix, ok := strings.CutPrefix(t, prefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 1 || strconv.Itoa(n) != suffix {
			continue
		}
		gens = append(gens, gen{t, n})
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].n > gens[j].n })

	steps := make([]archiveStep, 0, len(gens))
	for _, g := range gens {
		if g.n+1 > maxDays {
			steps = append(steps, archiveStep{Table: g.table, Drop: true})
			continue
		}
		steps = append(steps, archiveStep{Table: g.table, To: prefix + strconv.Itoa(g.n+1)})
	}
	return steps
}

// Archive rotates the daily generations of every entity table and snapshots
// the live table as generation 1, labelled with day. Each kind commits on its
// own, and a kind whose generation 1 already carries day is left alone, so a
// run that failed halfway can be repeated.
func (db *DB) Archive(ctx context.Context, day string, maxDays int) error {
	if maxDays < 1 {
		return fmt.Errorf("archive: retention must be at least one day, got %d", maxDays)
	}
	if day == "" {
		return fmt.Errorf("archive: missing day label")
	}
	for _, kind := range census.Kinds {
		if err := db.archiveKind(ctx, kind, day, maxDays); err != nil {
			return fmt.Errorf("archive %s: %w", kind, err)
		}
	}
	return nil
}

func (db *DB) archiveKind(ctx context.Context, kind census.Kind, day string, maxDays int) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var labels []string
	err = tx.SelectContext(ctx, &labels, `
		SELECT COALESCE(obj_description(c.oid, 'pg_class'), '')
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = current_schema() AND c.relname = $1`, string(kind)+"_1")
	if err != nil {
		return err
	}
	if len(labels) > 0 && labels[0] == day {
		slog.Info("already archived", "kind", kind, "day", day)
		return nil
	}

	var tables []string
	err = tx.SelectContext(ctx, &tables, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema()
		AND table_type = 'BASE TABLE'
		AND table_name ~ $1`, "^"+string(kind)+`_[0-9]+$`)
	if err != nil {
		return err
	}

	steps := rotationPlan(kind, tables, maxDays)
	for _, st := range steps {
		table := pq.QuoteIdentifier(st.Table)
		if st.Drop {
			if _, err := tx.ExecContext(ctx, "DROP TABLE "+table); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, "LOCK TABLE "+table); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "ALTER TABLE "+table+" RENAME TO "+pq.QuoteIdentifier(st.To)); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, generationDDL(kind, db.opts.ArchiveTablespace)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, generationLabel(kind, day)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("archived", "kind", kind, "day", day, "rotated", len(steps))
	return nil
}

func generationDDL(kind census.Kind, tablespace string) string {
	q := "CREATE TABLE " + pq.QuoteIdentifier(string(kind)+"_1")
	if tablespace != "" {
		q += " TABLESPACE " + pq.QuoteIdentifier(tablespace)
	}
	return q + " AS TABLE " + pq.QuoteIdentifier(string(kind))
}

func generationLabel(kind census.Kind, day string) string {
	return "COMMENT ON TABLE " + pq.QuoteIdentifier(string(kind)+"_1") + " IS " + pq.QuoteLiteral(day)
}
