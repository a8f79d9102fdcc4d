// Package engine drives the hourly ingestion cycle: registry refresh, merge
// and load of every entity kind for every world, daily archival and status
// notification, with a bounded restart policy on failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/talgya/tribal-census/internal/census"
	"github.com/talgya/tribal-census/internal/merge"
	"github.com/talgya/tribal-census/internal/registry"
)

// Status payloads published on the notification channel.
const (
	StatusOK    = "200"
	StatusRetry = "400"
	StatusFatal = "404"
)

var (
	// ErrFatal is returned by Run once the restart budget is spent.
	ErrFatal = errors.New("engine: too many consecutive failed cycles")
	// ErrNoWorlds means a cycle had no world to ingest.
	ErrNoWorlds = errors.New("engine: no live worlds")
)

// State is the position of the engine in its run loop.
type State int

const (
	Waiting State = iota // sleeping until the next hour boundary
	Running              // executing a cycle
	Failed               // the last cycle failed
	Backoff              // sleeping before a retry
	Fatal                // gave up
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Backoff:
		return "backoff"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Registry refreshes the set of live worlds.
type Registry interface {
	Refresh(ctx context.Context) (registry.Pass, error)
}

// Merger produces the rows of one kind for one world.
type Merger interface {
	Merge(ctx context.Context, kind census.Kind, world string, ledger *merge.SupportLedger) (merge.Result, error)
}

// Store is where merged rows land.
type Store interface {
	Setup(ctx context.Context) error
	Load(ctx context.Context, kind census.Kind, world string, rows []census.Row) error
	Archive(ctx context.Context, day string, maxDays int) error
	Notify(ctx context.Context, code string) error
}

// Engine runs ingestion cycles.
type Engine struct {
	Registry Registry
	Merger   Merger
	Store    Store

	DailyHour       int           // cycles starting in this hour archive
	MaxRestarts     int           // consecutive failures before giving up
	MaxArchivedDays int           // archive generations kept per kind
	BackoffBase     time.Duration // fixed part of the retry delay
	Workers         int           // worlds merged concurrently within a kind
	Immediate       bool          // run the first cycle without waiting for the hour

	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger

	mu             sync.Mutex
	state          State
	restarts       int
	worlds         []string
	setupDone      bool
	archivePending bool
	archiveDay     string // day label of the pending archive
	last           *Report
	cancel         context.CancelFunc
}

// New creates an engine with the default schedule.
func New(reg Registry, merger Merger, store Store) *Engine {
	return &Engine{
		Registry:        reg,
		Merger:          merger,
		Store:           store,
		MaxRestarts:     5,
		MaxArchivedDays: 30,
		BackoffBase:     10 * time.Second,
		Workers:         1,
		Now:             time.Now,
		Sleep:           sleep,
		Logger:          slog.Default(),
	}
}

// Run loops until ctx is cancelled, Stop is called, or MaxRestarts
// consecutive cycles fail, in which case ErrFatal is returned.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	logger := e.logger()
	logger.Info("ingestion engine started", "daily_hour", e.DailyHour, "workers", e.Workers)

	state := Waiting
	if e.Immediate {
		state = Running
	}
	for {
		e.setState(state)
		switch state {
		case Waiting:
			d := untilNextHour(e.Now())
			logger.Info("waiting for next cycle", "in", d.Round(time.Second))
			if err := e.Sleep(ctx, d); err != nil {
				return e.stopped()
			}
			state = Running

		case Running:
			if _, err := e.RunCycle(ctx, CycleOptions{Notify: true}); err != nil {
				if ctx.Err() != nil {
					return e.stopped()
				}
				logger.Error("cycle failed", "error", err)
				state = Failed
				continue
			}
			e.setRestarts(0)
			state = Waiting

		case Failed:
			n := e.setRestarts(e.Restarts() + 1)
			if n >= e.MaxRestarts {
				logger.Error("restart budget exhausted", "failures", n)
				e.notify(ctx, StatusFatal)
				state = Fatal
				continue
			}
			e.notify(ctx, StatusRetry)
			state = Backoff

		case Backoff:
			d := e.backoff(e.Restarts())
			logger.Warn("retrying cycle", "attempt", e.Restarts(), "in", d)
			if err := e.Sleep(ctx, d); err != nil {
				return e.stopped()
			}
			state = Running

		case Fatal:
			return fmt.Errorf("%w (%d)", ErrFatal, e.Restarts())
		}
	}
}

// Stop makes Run return after the current step.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) stopped() error {
	e.logger().Info("ingestion engine stopped")
	return nil
}

// backoff grows as 3^(n-1) seconds on top of BackoffBase.
func (e *Engine) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return e.BackoffBase + time.Duration(math.Pow(3, float64(n-1)))*time.Second
}

// notify publishes a status code. Failures are logged and never propagate.
func (e *Engine) notify(ctx context.Context, code string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.Store.Notify(ctx, code); err != nil {
		e.logger().Error("status notification failed", "code", code, "error", err)
	}
}

// untilNextHour returns the delay to the next top of the hour in now's zone.
func untilNextHour(now time.Time) time.Duration {
	top := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	return top.Add(time.Hour).Sub(now)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) setRestarts(n int) int {
	e.mu.Lock()
	e.restarts = n
	e.mu.Unlock()
	GaugeRestarts.Set(float64(n))
	return n
}

// Restarts returns the number of consecutive failed cycles.
func (e *Engine) Restarts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}

// Status is a point-in-time view of the engine.
type Status struct {
	State          string  `json:"state"`
	Restarts       int     `json:"restarts"`
	Worlds         int     `json:"worlds"`
	ArchivePending bool    `json:"archive_pending"`
	LastCycle      *Report `json:"last_cycle,omitempty"`
}

// Status reports the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:          e.state.String(),
		Restarts:       e.restarts,
		Worlds:         len(e.worlds),
		ArchivePending: e.archivePending,
		LastCycle:      e.last,
	}
}
