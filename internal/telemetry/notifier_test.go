// SPDX-License-Identifier: MIT
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotify_DeliversEvent(t *testing.T) {
	var got Event
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	t.Cleanup(srv.Close)

	n := New(Config{URL: srv.URL, HTTPClient: srv.Client()}, zerolog.Nop())
	n.Notify(context.Background(), "Playback Stuck", "no progress for 25s", SeverityWarning)

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, "Playback Stuck", got.Title)
	assert.Equal(t, SeverityWarning, got.Severity)
}

func TestNotify_ThrottlesBursts(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := New(Config{
		URL:        srv.URL,
		Throttle:   5 * time.Second,
		HTTPClient: srv.Client(),
		Now:        func() time.Time { return clock },
	}, zerolog.Nop())

	for i := 0; i < 10; i++ {
		n.Notify(context.Background(), "Error Loop", "same failure", SeverityError)
	}
	assert.Equal(t, int64(1), calls.Load(), "burst within the throttle window sends once")

	clock = clock.Add(6 * time.Second)
	n.Notify(context.Background(), "Error Loop", "still failing", SeverityError)
	assert.Equal(t, int64(2), calls.Load(), "a later event passes the throttle")
}

func TestNotify_SwallowsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := srv.Client()
	url := srv.URL
	srv.Close() // connection refused

	n := New(Config{URL: url, HTTPClient: client}, zerolog.Nop())
	// Must not panic or return anything; the call simply logs and moves on.
	n.Notify(context.Background(), "Cache Error", "disk full", SeverityError)
}

func TestNotify_DisabledWithoutURL(t *testing.T) {
	n := New(Config{}, zerolog.Nop())
	n.Notify(context.Background(), "ignored", "no webhook configured", SeverityInfo)

	var nilNotifier *Notifier
	nilNotifier.Notify(context.Background(), "ignored", "nil receiver is safe", SeverityInfo)
}
