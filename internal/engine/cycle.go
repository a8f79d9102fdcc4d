package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/talgya/tribal-census/internal/census"
	"github.com/talgya/tribal-census/internal/feed"
	"github.com/talgya/tribal-census/internal/merge"
	"github.com/talgya/tribal-census/internal/registry"
)

// CycleOptions tune a single cycle.
type CycleOptions struct {
	Archive bool // archive even outside the daily hour
	Notify  bool // publish StatusOK on success
}

// Report summarises one cycle.
type Report struct {
	ID        string              `json:"id"`
	Started   time.Time           `json:"started"`
	Duration  string              `json:"duration"`
	Worlds    int                 `json:"worlds"`
	Rows      map[census.Kind]int `json:"rows"`
	Fallbacks map[census.Kind]int `json:"fallbacks"`
	Skipped   map[census.Kind]int `json:"skipped_lines"`
	Archived  bool                `json:"archived"`
	Error     string              `json:"error,omitempty"`
}

func newReport(started time.Time) *Report {
	return &Report{
		ID:        uuid.NewString(),
		Started:   started,
		Rows:      make(map[census.Kind]int),
		Fallbacks: make(map[census.Kind]int),
		Skipped:   make(map[census.Kind]int),
	}
}

// RunCycle refreshes the worlds, merges and loads players, tribes and
// villages of every world in that order, and archives if the daily archive
// is due. Any load or archive failure aborts the cycle.
func (e *Engine) RunCycle(ctx context.Context, opts CycleOptions) (Report, error) {
	started := e.Now()
	report := newReport(started)
	logger := e.logger().With("cycle", report.ID)
	logger.Info("cycle started", "hour", started.Hour())

	err := e.cycle(ctx, opts, report)

	report.Duration = e.Now().Sub(started).Round(time.Millisecond).String()
	HistogramCycleSeconds.Observe(e.Now().Sub(started).Seconds())
	if err != nil {
		report.Error = err.Error()
		CounterCycles.WithLabelValues("failed").Inc()
	} else {
		CounterCycles.WithLabelValues("ok").Inc()
		total := 0
		for _, n := range report.Rows {
			total += n
		}
		logger.Info("cycle complete",
			"worlds", report.Worlds,
			"rows", humanize.Comma(int64(total)),
			"fallbacks", report.Fallbacks,
			"archived", report.Archived,
			"took", report.Duration,
		)
	}

	e.mu.Lock()
	e.last = report
	e.mu.Unlock()
	return *report, err
}

func (e *Engine) cycle(ctx context.Context, opts CycleOptions, report *Report) error {
	logger := e.logger().With("cycle", report.ID)

	e.mu.Lock()
	if report.Started.Hour() == e.DailyHour {
		e.archivePending = true
		e.archiveDay = report.Started.Format(time.DateOnly)
	}
	setupDone := e.setupDone
	e.mu.Unlock()

	if !setupDone {
		if err := e.Store.Setup(ctx); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
		e.mu.Lock()
		e.setupDone = true
		e.mu.Unlock()
	}

	worlds, err := e.refreshWorlds(ctx)
	if err != nil {
		return err
	}
	report.Worlds = len(worlds)

	cycle := merge.NewCycle(worlds)
	defer cycle.Close()
	for _, kind := range census.Kinds {
		if err := e.ingest(ctx, kind, worlds, cycle, report); err != nil {
			return err
		}
		if kind == census.Tribe {
			cycle.Close()
		}
	}

	e.mu.Lock()
	archive := e.archivePending || opts.Archive
	day := e.archiveDay
	e.mu.Unlock()
	if archive {
		if day == "" {
			day = report.Started.Format(time.DateOnly)
		}
		logger.Info("archiving", "day", day, "keep", e.MaxArchivedDays)
		if err := e.Store.Archive(ctx, day, e.MaxArchivedDays); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		e.mu.Lock()
		e.archivePending = false
		e.archiveDay = ""
		e.mu.Unlock()
		report.Archived = true
	}

	if opts.Notify {
		e.notify(ctx, StatusOK)
	}
	return nil
}

// refreshWorlds runs the registry. A failed refresh reuses the worlds of the
// previous cycle unless the listing was garbled or there is none.
func (e *Engine) refreshWorlds(ctx context.Context) ([]string, error) {
	pass, err := e.Registry.Refresh(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case err == nil:
		e.worlds = pass.Live
	case errors.Is(err, registry.ErrGarbled), ctx.Err() != nil:
		return nil, fmt.Errorf("refresh worlds: %w", err)
	case len(e.worlds) > 0:
		e.logger().Warn("world refresh failed, keeping previous worlds", "worlds", len(e.worlds), "error", err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrNoWorlds, err)
	}
	GaugeLiveWorlds.Set(float64(len(e.worlds)))
	if len(e.worlds) == 0 {
		return nil, ErrNoWorlds
	}
	return append([]string(nil), e.worlds...), nil
}

// ingest merges and loads one kind for every world, Workers at a time. Each
// world owns its partition, so concurrent loads never touch the same rows.
func (e *Engine) ingest(ctx context.Context, kind census.Kind, worlds []string, cycle *merge.Cycle, report *Report) error {
	logger := e.logger().With("cycle", report.ID, "kind", kind)

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.Workers, 1))
	for _, w := range worlds {
		g.Go(func() error {
			res, err := e.Merger.Merge(ctx, kind, w, cycle.Support(w))
			if err != nil {
				return fmt.Errorf("merge %s %s: %w", kind, w, err)
			}
			if res.Fallback {
				logger.Warn("feeds unavailable, reloading stored rows", "world", w, "rows", len(res.Rows), "cause", res.Cause)
				CounterFallbacks.WithLabelValues(string(kind), fallbackReason(res.Cause)).Inc()
			}
			if err := e.Store.Load(ctx, kind, w, res.Rows); err != nil {
				return fmt.Errorf("load %s %s: %w", kind, w, err)
			}
			CounterRowsLoaded.WithLabelValues(string(kind)).Add(float64(len(res.Rows)))

			mu.Lock()
			defer mu.Unlock()
			report.Rows[kind] += len(res.Rows)
			report.Skipped[kind] += res.Skipped
			if res.Fallback {
				report.Fallbacks[kind]++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Debug("kind loaded", "rows", report.Rows[kind], "fallbacks", report.Fallbacks[kind])
	return nil
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, feed.ErrErrorPage):
		return "error_page"
	case errors.Is(err, feed.ErrStatus):
		return "status"
	case errors.Is(err, merge.ErrGarbled):
		return "garbled"
	case errors.Is(err, feed.ErrTransport):
		return "transport"
	}
	return "other"
}
