// SPDX-License-Identifier: MIT

// Package transport maintains the persistent websocket connection to the
// dashboard: reconnection with fixed backoff, token authentication via query
// parameters, minute-aligned heartbeats and a single inbound message channel.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kioskly/playerd/internal/metrics"
	"github.com/kioskly/playerd/internal/protocol"
)

// Config captures the transport tunables.
type Config struct {
	// URL is the dashboard websocket endpoint (ws:// or wss://).
	URL string

	// Backoff is the fixed delay between reconnect attempts.
	Backoff time.Duration

	// HeartbeatInterval is the heartbeat period after the first minute-aligned
	// beat.
	HeartbeatInterval time.Duration

	// Dialer is optional; websocket.DefaultDialer is used when nil.
	Dialer *websocket.Dialer
}

// Auth carries the reconnection credentials appended as query parameters.
type Auth struct {
	Token    string
	DeviceID string
}

// Client is the dashboard connection. One Run loop owns at most one live
// connection at any time; a new dial always supersedes the previous socket.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	logger  zerolog.Logger
	inbound chan protocol.Message
	started time.Time

	mu      sync.Mutex
	auth    Auth
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer
}

// New creates a Client. Call Run to start the connection loop.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger,
		inbound: make(chan protocol.Message, 32),
		started: time.Now(),
	}
}

// SetAuth installs the credentials used on the next dial.
func (c *Client) SetAuth(a Auth) {
	c.mu.Lock()
	c.auth = a
	c.mu.Unlock()
}

// Connected reports whether a dashboard connection is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Inbound delivers every decoded message from the dashboard.
func (c *Client) Inbound() <-chan protocol.Message {
	return c.inbound
}

// Run drives the connect/read/reconnect loop until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			metrics.ReconnectTotal.WithLabelValues("failure").Inc()
			c.logger.Warn().Err(err).Dur("backoff", c.cfg.Backoff).Msg("dashboard dial failed")
			if !sleep(ctx, c.cfg.Backoff) {
				return
			}
			continue
		}
		metrics.ReconnectTotal.WithLabelValues("success").Inc()
		c.logger.Info().Msg("dashboard connected")

		c.setConn(conn)
		// Request authoritative state immediately after connecting.
		c.Send(protocol.Message{Type: protocol.TypeGetPlaybackState})

		hbCtx, stopHeartbeat := context.WithCancel(ctx)
		go c.heartbeatLoop(hbCtx)

		c.readLoop(ctx, conn)

		stopHeartbeat()
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Dur("backoff", c.cfg.Backoff).Msg("dashboard disconnected, reconnecting")
		if !sleep(ctx, c.cfg.Backoff) {
			return
		}
	}
}

// Reconnect tears down the live connection so Run dials fresh, picking up any
// changed credentials. No-op when disconnected.
func (c *Client) Reconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Send encodes and writes v on the live connection. Best-effort: when
// disconnected the message is dropped with a log, never queued.
func (c *Client) Send(v any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Debug().Msg("dropping outbound message, not connected")
		return
	}

	data, err := protocol.Encode(v)
	if err != nil {
		c.logger.Warn().Err(err).Msg("encode outbound message")
		return
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("write to dashboard failed")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse dashboard url: %w", err)
	}

	c.mu.Lock()
	auth := c.auth
	c.mu.Unlock()

	q := u.Query()
	if auth.Token != "" {
		q.Set("token", auth.Token)
	}
	if auth.DeviceID != "" {
		q.Set("device_id", auth.DeviceID)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial dashboard: %w", err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	prev := c.conn
	c.conn = conn
	c.mu.Unlock()
	// At most one active connection: a superseded socket is closed, which
	// also unblocks its read loop.
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("dashboard read ended")
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// Protocol desync is ignored, not fatal.
			c.logger.Warn().Err(err).Msg("discarding malformed dashboard message")
			continue
		}
		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// heartbeatLoop sends the first heartbeat on the next minute boundary, then
// every interval. Each beat carries memory telemetry and re-requests the
// authoritative playback state.
func (c *Client) heartbeatLoop(ctx context.Context) {
	now := time.Now()
	firstBeat := now.Truncate(time.Minute).Add(time.Minute)
	if !sleep(ctx, time.Until(firstBeat)) {
		return
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		c.sendHeartbeat()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) sendHeartbeat() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	c.mu.Lock()
	deviceID := c.auth.DeviceID
	c.mu.Unlock()

	c.Send(protocol.Heartbeat{
		Type:         protocol.TypeHeartbeat,
		DeviceID:     deviceID,
		HeapBytes:    ms.HeapAlloc,
		SysBytes:     ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
		Uptime:       int64(time.Since(c.started).Seconds()),
	})
	c.Send(protocol.Message{Type: protocol.TypeGetPlaybackState})
	metrics.HeartbeatTotal.Inc()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
