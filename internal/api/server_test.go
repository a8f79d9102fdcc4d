package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/tribal-census/internal/engine"
)

type fakeEngine struct{ status engine.Status }

func (f fakeEngine) Status() engine.Status { return f.status }

type fakeStore struct {
	worlds []string
	err    error
}

func (f fakeStore) Ping(context.Context) error { return f.err }

func (f fakeStore) Worlds(context.Context) ([]string, error) { return f.worlds, f.err }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatus(t *testing.T) {
	s := &Server{Eng: fakeEngine{engine.Status{State: "backoff", Restarts: 2, Worlds: 41}}, DB: fakeStore{}}

	rec := get(t, s.Handler(), "/api/v1/status")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, engine.Status{State: "backoff", Restarts: 2, Worlds: 41}, got)
}

func TestStatusIsReadOnly(t *testing.T) {
	s := &Server{Eng: fakeEngine{}, DB: fakeStore{}}
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/status", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	ok := &Server{Eng: fakeEngine{}, DB: fakeStore{}}
	assert.Equal(t, http.StatusOK, get(t, ok.Handler(), "/api/v1/health").Code)

	down := &Server{Eng: fakeEngine{}, DB: fakeStore{err: errors.New("connection refused")}}
	rec := get(t, down.Handler(), "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestWorlds(t *testing.T) {
	s := &Server{Eng: fakeEngine{}, DB: fakeStore{worlds: []string{"de200", "en1"}}}

	rec := get(t, s.Handler(), "/api/v1/worlds")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":2,"worlds":["de200","en1"]}`, rec.Body.String())

	empty := &Server{Eng: fakeEngine{}, DB: fakeStore{}}
	assert.JSONEq(t, `{"count":0,"worlds":[]}`, get(t, empty.Handler(), "/api/v1/worlds").Body.String())
}

func TestMetrics(t *testing.T) {
	s := &Server{Eng: fakeEngine{}, DB: fakeStore{}}

	rec := get(t, s.Handler(), "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "census_live_worlds")
}

func TestDatabaseEndpointsAreRateLimited(t *testing.T) {
	h := (&Server{Eng: fakeEngine{}, DB: fakeStore{}}).Handler()

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, get(t, h, "/api/v1/health").Code, i)
	}
	rec := get(t, h, "/api/v1/worlds")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Status never touches the database.
	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/status").Code)
}

func TestRateLimiterRefillsAndForgets(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.Equal(t, 2, rl.RetryAfter("a"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))

	now = now.Add(time.Hour)
	rl.Allow("c")
	assert.Len(t, rl.clients, 1)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:5123"
	assert.Equal(t, "198.51.100.7", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
