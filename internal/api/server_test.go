// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioskly/playerd/internal/health"
	"github.com/kioskly/playerd/internal/session"
)

type fakeStatus struct {
	st session.Status
}

func (f *fakeStatus) Status() session.Status { return f.st }

type fakeCache struct {
	clearErr error
	cleared  int
	size     int64
	entries  int
}

func (f *fakeCache) ClearAll() error {
	f.cleared++
	return f.clearErr
}
func (f *fakeCache) Size() int64 { return f.size }
func (f *fakeCache) Len() int    { return f.entries }

func newTestServer(t *testing.T, st session.Status, cache *fakeCache) *Server {
	t.Helper()
	mgr := health.NewManager("test")
	return New("127.0.0.1:0", &fakeStatus{st: st}, cache, mgr, zerolog.Nop())
}

func TestStatusEndpoint(t *testing.T) {
	cache := &fakeCache{size: 4096, entries: 3}
	srv := newTestServer(t, session.Status{
		State:       session.StatePlaying,
		DeviceID:    "dev-1",
		DeviceName:  "Lobby Screen",
		Orientation: 90,
		Items:       4,
	}, cache)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		State        string `json:"state"`
		DeviceID     string `json:"device_id"`
		Items        int    `json:"playlist_items"`
		CacheBytes   int64  `json:"cache_bytes"`
		CacheEntries int    `json:"cache_entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "playing", body.State)
	assert.Equal(t, "dev-1", body.DeviceID)
	assert.Equal(t, 4, body.Items)
	assert.Equal(t, int64(4096), body.CacheBytes)
	assert.Equal(t, 3, body.CacheEntries)
}

func TestCacheClear(t *testing.T) {
	cache := &fakeCache{}
	srv := newTestServer(t, session.Status{State: session.StateLoading}, cache)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cache/clear", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, cache.cleared)
}

func TestCacheClearFailure(t *testing.T) {
	cache := &fakeCache{clearErr: errors.New("disk gone")}
	srv := newTestServer(t, session.Status{State: session.StateLoading}, cache)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cache/clear", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk gone")
}

func TestCacheClearRejectsGet(t *testing.T) {
	cache := &fakeCache{}
	srv := newTestServer(t, session.Status{}, cache)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cache/clear", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Zero(t, cache.cleared)
}

func TestHealthAndReadiness(t *testing.T) {
	srv := newTestServer(t, session.Status{}, &fakeCache{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsExposed(t *testing.T) {
	srv := newTestServer(t, session.Status{}, &fakeCache{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
