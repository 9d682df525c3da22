// SPDX-License-Identifier: MIT

// Package telemetry delivers operational events to an external webhook.
// Delivery is strictly best-effort: failures are swallowed and emission is
// throttled so an error loop cannot flood the collaborator.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity classifies an event for the receiving side.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one telemetry tuple.
type Event struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Notifier posts events to a webhook URL, at most one per throttle interval.
// A Notifier with an empty URL is a no-op; nil is also safe.
type Notifier struct {
	url      string
	throttle time.Duration
	httpc    *http.Client
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent time.Time
}

// Config captures notifier options.
type Config struct {
	URL      string
	Throttle time.Duration
	// HTTPClient is optional; a 10s-timeout client is used when nil.
	HTTPClient *http.Client
	// Now is optional; overridden in tests.
	Now func() time.Time
}

// New creates a Notifier. An empty URL disables delivery entirely.
func New(cfg Config, logger zerolog.Logger) *Notifier {
	if cfg.Throttle <= 0 {
		cfg.Throttle = 5 * time.Second
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Notifier{
		url:      cfg.URL,
		throttle: cfg.Throttle,
		httpc:    httpc,
		logger:   logger,
		now:      now,
	}
}

// Notify posts the event unless one was already sent within the throttle
// interval. Surplus events are dropped, not queued.
func (n *Notifier) Notify(ctx context.Context, title, message string, severity Severity) {
	if n == nil || n.url == "" {
		return
	}

	n.mu.Lock()
	now := n.now()
	if !n.lastSent.IsZero() && now.Sub(n.lastSent) < n.throttle {
		n.mu.Unlock()
		n.logger.Debug().Str("title", title).Msg("telemetry event throttled")
		return
	}
	n.lastSent = now
	n.mu.Unlock()

	n.send(ctx, Event{Title: title, Message: message, Severity: severity})
}

func (n *Notifier) send(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn().Err(err).Msg("encode telemetry event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn().Err(err).Msg("build telemetry request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpc.Do(req)
	if err != nil {
		// Swallowed: a dead webhook must never disturb playback.
		n.logger.Warn().Err(err).Msg("telemetry delivery failed")
		return
	}
	if err := resp.Body.Close(); err != nil {
		n.logger.Debug().Err(err).Msg("close telemetry response body")
	}
	if resp.StatusCode >= 300 {
		n.logger.Warn().Int("status", resp.StatusCode).Msg("telemetry webhook rejected event")
	}
}
