package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/talgya/tribal-census/internal/census"
	"github.com/talgya/tribal-census/internal/feed"
	"github.com/talgya/tribal-census/internal/merge"
	"github.com/talgya/tribal-census/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRegistry struct {
	live  []string
	err   error
	calls int
}

func (r *fakeRegistry) Refresh(context.Context) (registry.Pass, error) {
	r.calls++
	if r.err != nil {
		return registry.Pass{}, r.err
	}
	return registry.Pass{Live: r.live}, nil
}

// fakeMerger credits tribe "7" with 25 points per world during the player
// pass and records what the tribe pass sees.
type fakeMerger struct {
	mu         sync.Mutex
	fallback   map[string]error
	err        error
	tribeSeen  map[string]int64
	nilLedgers map[census.Kind]int
}

func (m *fakeMerger) Merge(_ context.Context, kind census.Kind, w string, ledger *merge.SupportLedger) (merge.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return merge.Result{}, m.err
	}
	if ledger == nil {
		if m.nilLedgers == nil {
			m.nilLedgers = map[census.Kind]int{}
		}
		m.nilLedgers[kind]++
	}
	switch kind {
	case census.Player:
		if ledger != nil {
			ledger.Add("7", 25)
		}
	case census.Tribe:
		if m.tribeSeen == nil {
			m.tribeSeen = map[string]int64{}
		}
		if ledger != nil {
			m.tribeSeen[w] = ledger.Total("7")
		}
	}
	res := merge.Result{Rows: []census.Row{{World: w, Fields: []string{"1"}}}}
	if cause, ok := m.fallback[w]; ok {
		res.Fallback, res.Cause = true, cause
	}
	return res, nil
}

type load struct {
	Kind  census.Kind
	World string
}

type fakeStore struct {
	mu           sync.Mutex
	setups       int
	loads        []load
	failLoads    int // fail this many Load calls, then succeed
	loadErr      error
	archives     []int
	archiveDays  []string
	failArchives int // fail this many Archive calls, then succeed
	archiveErr   error
	notes        []string
	notifyErr    error
}

func (s *fakeStore) Setup(context.Context) error {
	s.setups++
	return nil
}

func (s *fakeStore) Load(_ context.Context, kind census.Kind, w string, _ []census.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return s.loadErr
	}
	if s.failLoads > 0 {
		s.failLoads--
		return errors.New("deadlock detected")
	}
	s.loads = append(s.loads, load{kind, w})
	return nil
}

func (s *fakeStore) Archive(_ context.Context, day string, maxDays int) error {
	s.archiveDays = append(s.archiveDays, day)
	if s.archiveErr != nil {
		return s.archiveErr
	}
	if s.failArchives > 0 {
		s.failArchives--
		return errors.New("archive tribe: relation \"tribe_1\" already exists")
	}
	s.archives = append(s.archives, maxDays)
	return nil
}

func (s *fakeStore) Notify(_ context.Context, code string) error {
	s.notes = append(s.notes, code)
	return s.notifyErr
}

func at(hour int) time.Time {
	return time.Date(2026, 10, 19, hour, 0, 30, 0, time.UTC)
}

func newTestEngine(reg *fakeRegistry, m *fakeMerger, s *fakeStore, hour int) *Engine {
	e := New(reg, m, s)
	e.DailyHour = 0
	e.Now = func() time.Time { return at(hour) }
	e.Sleep = func(context.Context, time.Duration) error { return nil }
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return e
}

func TestRunCycleLoadsEveryKindInOrder(t *testing.T) {
	s := &fakeStore{}
	e := newTestEngine(&fakeRegistry{live: []string{"en1", "de5"}}, &fakeMerger{}, s, 13)

	report, err := e.RunCycle(context.Background(), CycleOptions{Notify: true})

	require.NoError(t, err)
	assert.Equal(t, []load{
		{census.Player, "en1"}, {census.Player, "de5"},
		{census.Tribe, "en1"}, {census.Tribe, "de5"},
		{census.Village, "en1"}, {census.Village, "de5"},
	}, s.loads)
	assert.Equal(t, []string{StatusOK}, s.notes)
	assert.Equal(t, 2, report.Worlds)
	assert.Equal(t, 2, report.Rows[census.Village])
	assert.False(t, report.Archived)
	assert.Empty(t, s.archives)
	assert.NotEmpty(t, report.ID)
}

func TestRunCycleSetsUpOnce(t *testing.T) {
	s := &fakeStore{}
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, &fakeMerger{}, s, 13)

	for i := 0; i < 3; i++ {
		_, err := e.RunCycle(context.Background(), CycleOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, s.setups)
	assert.Empty(t, s.notes)
}

func TestRunCycleHandsSupportFromPlayersToTribes(t *testing.T) {
	m := &fakeMerger{}
	e := newTestEngine(&fakeRegistry{live: []string{"en1", "de5"}}, m, &fakeStore{}, 13)

	_, err := e.RunCycle(context.Background(), CycleOptions{})

	require.NoError(t, err)
	// Each world has its own ledger.
	assert.Equal(t, map[string]int64{"en1": 25, "de5": 25}, m.tribeSeen)
	// The ledgers are gone once the tribes are merged.
	assert.Equal(t, map[census.Kind]int{census.Village: 2}, m.nilLedgers)
}

func TestRunCycleArchivesAtDailyHour(t *testing.T) {
	s := &fakeStore{}
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, &fakeMerger{}, s, 0)
	e.MaxArchivedDays = 3

	report, err := e.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.True(t, report.Archived)
	assert.Equal(t, []int{3}, s.archives)
	assert.Equal(t, []string{"2026-10-19"}, s.archiveDays)

	e.Now = func() time.Time { return at(1) }
	report, err = e.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.False(t, report.Archived)
	assert.Len(t, s.archives, 1)
}

func TestRunCycleForcedArchive(t *testing.T) {
	s := &fakeStore{}
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, &fakeMerger{}, s, 15)

	report, err := e.RunCycle(context.Background(), CycleOptions{Archive: true})

	require.NoError(t, err)
	assert.True(t, report.Archived)
	assert.Equal(t, []int{30}, s.archives)
}

func TestArchiveStaysPendingUntilItSucceeds(t *testing.T) {
	s := &fakeStore{failLoads: 1}
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, &fakeMerger{}, s, 0)

	_, err := e.RunCycle(context.Background(), CycleOptions{})
	require.Error(t, err)
	assert.Empty(t, s.archives)
	assert.True(t, e.Status().ArchivePending)

	// The retry runs after the daily hour has passed.
	e.Now = func() time.Time { return at(1) }
	report, err := e.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.True(t, report.Archived)
	assert.False(t, e.Status().ArchivePending)
}

func TestArchiveRetryKeepsItsDay(t *testing.T) {
	s := &fakeStore{failArchives: 1}
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, &fakeMerger{}, s, 23)
	e.DailyHour = 23

	_, err := e.RunCycle(context.Background(), CycleOptions{})
	require.Error(t, err)
	assert.True(t, e.Status().ArchivePending)

	// Kinds committed by the failed run are recognised by the day label, so
	// the retry past midnight must still name the day the archive was due.
	e.Now = func() time.Time { return time.Date(2026, 10, 20, 0, 0, 30, 0, time.UTC) }
	report, err := e.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.True(t, report.Archived)
	assert.Equal(t, []string{"2026-10-19", "2026-10-19"}, s.archiveDays)
	assert.Equal(t, []int{30}, s.archives)
}

func TestRunCycleFailsWhenArchiveFails(t *testing.T) {
	s := &fakeStore{archiveErr: errors.New("disk full")}
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, &fakeMerger{}, s, 0)

	_, err := e.RunCycle(context.Background(), CycleOptions{Notify: true})

	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, s.notes)
	assert.True(t, e.Status().ArchivePending)
}

func TestRunCycleCountsFallbacks(t *testing.T) {
	s := &fakeStore{}
	m := &fakeMerger{fallback: map[string]error{"de5": feed.ErrErrorPage}}
	e := newTestEngine(&fakeRegistry{live: []string{"en1", "de5"}}, m, s, 13)

	report, err := e.RunCycle(context.Background(), CycleOptions{})

	require.NoError(t, err)
	assert.Len(t, s.loads, 6)
	for _, kind := range census.Kinds {
		assert.Equal(t, 1, report.Fallbacks[kind], kind)
	}
}

func TestRunCycleKeepsWorldsWhenRefreshFails(t *testing.T) {
	reg := &fakeRegistry{live: []string{"en1"}}
	s := &fakeStore{}
	e := newTestEngine(reg, &fakeMerger{}, s, 13)
	_, err := e.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)

	reg.err = fmt.Errorf("discover en: %w", feed.ErrTransport)
	report, err := e.RunCycle(context.Background(), CycleOptions{})

	require.NoError(t, err)
	assert.Equal(t, 1, report.Worlds)
	assert.Len(t, s.loads, 6)
}

func TestRunCycleFailsWithoutWorlds(t *testing.T) {
	reg := &fakeRegistry{err: feed.ErrTransport}
	e := newTestEngine(reg, &fakeMerger{}, &fakeStore{}, 13)

	_, err := e.RunCycle(context.Background(), CycleOptions{})
	assert.ErrorIs(t, err, ErrNoWorlds)
	assert.ErrorIs(t, err, feed.ErrTransport)

	reg.err, reg.live = nil, nil
	_, err = e.RunCycle(context.Background(), CycleOptions{})
	assert.ErrorIs(t, err, ErrNoWorlds)
}

func TestRunCycleFailsOnGarbledListing(t *testing.T) {
	reg := &fakeRegistry{live: []string{"en1"}}
	s := &fakeStore{}
	e := newTestEngine(reg, &fakeMerger{}, s, 13)
	_, err := e.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)

	reg.err = registry.ErrGarbled
	_, err = e.RunCycle(context.Background(), CycleOptions{})

	assert.ErrorIs(t, err, registry.ErrGarbled)
	assert.Len(t, s.loads, 3)
}

func TestRunCycleAbortsOnStoreFailure(t *testing.T) {
	s := &fakeStore{loadErr: errors.New("connection reset")}
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, &fakeMerger{}, s, 13)

	report, err := e.RunCycle(context.Background(), CycleOptions{Notify: true})

	assert.ErrorContains(t, err, "load player en1")
	assert.Empty(t, s.notes)
	assert.Equal(t, err.Error(), report.Error)
	assert.Equal(t, err.Error(), e.Status().LastCycle.Error)
}

func TestRunCycleAbortsOnSnapshotFailure(t *testing.T) {
	m := &fakeMerger{err: errors.New("relation does not exist")}
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, m, &fakeStore{}, 13)

	_, err := e.RunCycle(context.Background(), CycleOptions{})

	assert.ErrorContains(t, err, "merge player en1")
}

func TestRunCycleIgnoresNotifyFailure(t *testing.T) {
	s := &fakeStore{notifyErr: errors.New("channel closed")}
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, &fakeMerger{}, s, 13)

	_, err := e.RunCycle(context.Background(), CycleOptions{Notify: true})

	require.NoError(t, err)
	assert.Equal(t, []string{StatusOK}, s.notes)
}

func TestRunCycleParallelWorlds(t *testing.T) {
	var worlds []string
	for i := 1; i <= 12; i++ {
		worlds = append(worlds, fmt.Sprintf("en%d", i))
	}
	s := &fakeStore{}
	m := &fakeMerger{}
	e := newTestEngine(&fakeRegistry{live: worlds}, m, s, 13)
	e.Workers = 4

	report, err := e.RunCycle(context.Background(), CycleOptions{})

	require.NoError(t, err)
	assert.Len(t, s.loads, 36)
	assert.Equal(t, 12, report.Rows[census.Tribe])
	assert.Len(t, m.tribeSeen, 12)
	// Kinds never interleave.
	for i, l := range s.loads {
		assert.Equal(t, census.Kinds[i/12], l.Kind)
	}
}

func TestRunGivesUpAfterMaxRestarts(t *testing.T) {
	s := &fakeStore{loadErr: errors.New("connection refused")}
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, &fakeMerger{}, s, 13)
	e.Immediate = true
	var delays []time.Duration
	e.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	err := e.Run(context.Background())

	require.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, []string{StatusRetry, StatusRetry, StatusRetry, StatusRetry, StatusFatal}, s.notes)
	assert.Equal(t, []time.Duration{11 * time.Second, 13 * time.Second, 19 * time.Second, 37 * time.Second}, delays)
	assert.Equal(t, "fatal", e.Status().State)
	assert.Equal(t, 5, e.Restarts())
}

func TestRunResetsRestartsAfterSuccess(t *testing.T) {
	s := &fakeStore{failLoads: 2}
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, &fakeMerger{}, s, 13)
	e.Immediate = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeps := 0
	e.Sleep = func(context.Context, time.Duration) error {
		sleeps++
		if sleeps == 3 {
			// The wait for the next hour after the successful cycle.
			cancel()
			return context.Canceled
		}
		return nil
	}

	err := e.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, []string{StatusRetry, StatusRetry, StatusOK}, s.notes)
	assert.Equal(t, 0, e.Restarts())
	assert.Equal(t, "waiting", e.Status().State)
}

func TestRunWaitsForNextHour(t *testing.T) {
	reg := &fakeRegistry{live: []string{"en1"}}
	e := newTestEngine(reg, &fakeMerger{}, &fakeStore{}, 13)
	e.Now = func() time.Time { return time.Date(2026, 10, 19, 13, 45, 30, 0, time.UTC) }
	var waited time.Duration
	e.Sleep = func(_ context.Context, d time.Duration) error {
		waited = d
		return context.Canceled
	}

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, 14*time.Minute+30*time.Second, waited)
	assert.Zero(t, reg.calls)
}

func TestStopInterruptsSleep(t *testing.T) {
	e := newTestEngine(&fakeRegistry{live: []string{"en1"}}, &fakeMerger{}, &fakeStore{}, 13)
	sleeping := make(chan struct{})
	e.Sleep = func(ctx context.Context, _ time.Duration) error {
		close(sleeping)
		return sleep(ctx, time.Hour)
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	<-sleeping
	e.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestUntilNextHour(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	kolkata := time.FixedZone("IST", 5*3600+1800)
	tests := []struct {
		now  time.Time
		want time.Duration
	}{
		{time.Date(2026, 10, 19, 13, 0, 0, 0, time.UTC), time.Hour},
		{time.Date(2026, 10, 19, 13, 59, 59, 0, time.UTC), time.Second},
		{time.Date(2026, 10, 19, 23, 30, 0, 0, berlin), 30 * time.Minute},
		{time.Date(2026, 10, 19, 8, 10, 0, 0, kolkata), 50 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, untilNextHour(tt.now), tt.now.String())
	}
}

func TestBackoffGrowth(t *testing.T) {
	e := New(nil, nil, nil)
	assert.Equal(t, 11*time.Second, e.backoff(1))
	assert.Equal(t, 13*time.Second, e.backoff(2))
	assert.Equal(t, 91*time.Second, e.backoff(5))
	assert.Equal(t, 11*time.Second, e.backoff(0))
}

func TestStateNames(t *testing.T) {
	for s, want := range map[State]string{Waiting: "waiting", Running: "running", Failed: "failed", Backoff: "backoff", Fatal: "fatal"} {
		assert.Equal(t, want, s.String())
	}
}
