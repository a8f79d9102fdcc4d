// Package merge assembles complete entity rows for one world from the ordered
// upstream feeds of an entity kind.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/talgya/tribal-census/internal/census"
	"github.com/talgya/tribal-census/internal/feed"
	"github.com/talgya/tribal-census/internal/world"
)

// ErrGarbled means a base feed had content but not a single usable row.
var ErrGarbled = errors.New("merge: garbled base feed")

// Fetcher retrieves one feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// SnapshotReader returns the rows currently stored for a world.
type SnapshotReader interface {
	Snapshot(ctx context.Context, kind census.Kind, world string) ([]census.Row, error)
}

// Merger reconstructs entity rows from upstream feeds.
type Merger struct {
	Feeds   Fetcher
	Store   SnapshotReader
	Markets world.Markets
	Gzip    bool // fetch the .gz variant of every feed
	Logger  *slog.Logger
}

// NewMerger creates a merger.
func NewMerger(feeds Fetcher, store SnapshotReader, markets world.Markets) *Merger {
	return &Merger{
		Feeds:   feeds,
		Store:   store,
		Markets: markets,
		Logger:  slog.Default(),
	}
}

// Result is the outcome of merging one kind for one world.
type Result struct {
	Rows     []census.Row
	Fallback bool  // Rows are the stored snapshot
	Cause    error // why the feeds were abandoned
	Skipped  int   // malformed lines ignored
}

// Merge fetches every feed of kind for the world and returns the merged rows.
// If any feed fails or serves an error page, the stored snapshot is returned
// instead. An error is returned only when that snapshot cannot be read.
//
// For players, ledger receives the support totals of each tribe. For tribes,
// ledger supplies them; it must have been filled by the player merge of the
// same cycle.
func (m *Merger) Merge(ctx context.Context, kind census.Kind, worldID string, ledger *SupportLedger) (Result, error) {
	schema, err := census.SchemaFor(kind)
	if err != nil {
		return Result{}, err
	}
	domain, err := m.Markets.Domain(worldID)
	if err != nil {
		return Result{}, err
	}
	if ledger == nil {
		ledger = NewSupportLedger()
	}

	rows, skipped, err := m.assemble(ctx, schema, worldID, domain, ledger)
	if err == nil {
		if skipped > 0 {
			m.logger().Warn("skipped malformed lines", "kind", kind, "world", worldID, "lines", skipped)
		}
		return Result{Rows: rows, Skipped: skipped}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	m.logger().Warn("feed failed, keeping stored snapshot", "kind", kind, "world", worldID, "error", err)
	old, serr := m.Store.Snapshot(ctx, kind, worldID)
	if serr != nil {
		return Result{}, fmt.Errorf("read %s snapshot of %s: %w", kind, worldID, serr)
	}
	if kind == census.Player {
		ledger.Reseed(schema, old)
	}
	return Result{Rows: old, Fallback: true, Cause: err}, nil
}

func (m *Merger) assemble(ctx context.Context, s *census.Schema, worldID, domain string, ledger *SupportLedger) ([]census.Row, int, error) {
	buf := newBuffer(s)
	skipped := 0
	if s.Kind == census.Player {
		ledger.Reset()
	}

	for i, file := range s.Files() {
		if m.Gzip {
			file += ".gz"
		}
		body, err := m.Feeds.Fetch(ctx, world.FeedURL(worldID, domain, file))
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", file, err)
		}
		if feed.IsErrorPage(body) {
			return nil, 0, fmt.Errorf("%s: %w", file, feed.ErrErrorPage)
		}
		lines := feed.Lines(body)

		if i == 0 {
			skipped += buf.seed(lines)
			if len(lines) > 0 && buf.len() == 0 {
				return nil, 0, fmt.Errorf("%s: %w", file, ErrGarbled)
			}
			if s.Derived != nil {
				buf.inject(*s.Derived, ledger)
			}
			continue
		}
		skipped += buf.apply(s.Secondary[i-1], lines, ledger)
	}
	return buf.rows(worldID), skipped, nil
}

func (m *Merger) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// buffer holds rows under construction keyed by entity id, in base feed order.
type buffer struct {
	schema *census.Schema
	order  []string
	byID   map[string][]string
}

func newBuffer(s *census.Schema) *buffer {
	return &buffer{schema: s, byID: make(map[string][]string)}
}

func (b *buffer) len() int {
	return len(b.order)
}

// seed loads the base feed. Columns the base feed does not supply start at
// "0". A repeated id replaces the earlier row in place.
func (b *buffer) seed(lines []string) int {
	width := len(b.schema.Base)
	skipped := 0
	for _, line := range lines {
		parts := strings.Split(line, ",")
		if len(parts) < width || parts[0] == "" {
			skipped++
			continue
		}
		row := make([]string, len(b.schema.Columns))
		copy(row, parts[:width])
		for i := width; i < len(row); i++ {
			row[i] = "0"
		}
		id := row[0]
		if _, ok := b.byID[id]; !ok {
			b.order = append(b.order, id)
		}
		b.byID[id] = row
	}
	return skipped
}

// inject fills the derived support columns from the ledger.
func (b *buffer) inject(cols census.Feed, ledger *SupportLedger) {
	vi, ri := b.schema.Index(cols.Value), b.schema.Index(cols.Rank)
	ranks := ledger.Ranks()
	for _, id := range b.order {
		row := b.byID[id]
		row[vi] = strconv.FormatInt(ledger.Total(id), 10)
		if r, ok := ranks[id]; ok {
			row[ri] = strconv.Itoa(r)
		}
	}
}

// apply merges one "rank,id,value" feed. Ids missing from the base feed are
// ignored.
func (b *buffer) apply(f census.Feed, lines []string, ledger *SupportLedger) int {
	vi, ri := b.schema.Index(f.Value), b.schema.Index(f.Rank)
	gi := b.schema.Index(b.schema.Group)
	skipped := 0
	for _, line := range lines {
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			skipped++
			continue
		}
		rank, id, value := parts[0], parts[1], parts[2]
		points, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			skipped++
			continue
		}
		if _, err := strconv.Atoi(rank); err != nil {
			skipped++
			continue
		}
		row, ok := b.byID[id]
		if !ok {
			continue
		}
		row[vi] = value
		row[ri] = rank
		if f.Support && gi >= 0 {
			ledger.Add(row[gi], points)
		}
	}
	return skipped
}

func (b *buffer) rows(worldID string) []census.Row {
	out := make([]census.Row, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, census.Row{World: worldID, Fields: b.byID[id]})
	}
	return out
}
