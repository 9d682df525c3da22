// SPDX-License-Identifier: MIT

// Package config provides environment-driven configuration for the player daemon.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Defaults for tunables that are not usually overridden in the field.
const (
	DefaultCacheBudgetBytes = int64(2 << 30) // 2 GiB
	DefaultWatchdogTick     = 5 * time.Second
	DefaultStuckThreshold   = 25 * time.Second
	DefaultEndDebounce      = 500 * time.Millisecond
	DefaultErrorAdvance     = 1 * time.Second
	DefaultSessionCeiling   = 2 * time.Hour
	DefaultLoopCeiling      = 20
	DefaultHeartbeat        = 1 * time.Minute
	DefaultReconnectBackoff = 5 * time.Second
	DefaultNotifyThrottle   = 5 * time.Second
	DefaultRestartHour      = 3
)

// Config holds every runtime tunable of the daemon.
type Config struct {
	// DataDir is the root for the identity store and the cache directory.
	DataDir  string
	CacheDir string

	// ServerURL is the dashboard websocket endpoint.
	ServerURL string

	// ListenAddr serves the local operator API (health, metrics, status).
	ListenAddr string

	CacheBudgetBytes int64
	CacheWatch       bool // fsnotify watcher on the cache dir

	// PlayerCommand is the external player argv prefix; the media path is
	// appended per item. Empty selects dry-run playback.
	PlayerCommand []string
	PlayerDwell   time.Duration

	WatchdogTick   time.Duration
	StuckThreshold time.Duration
	EndDebounce    time.Duration
	ErrorAdvance   time.Duration
	SessionCeiling time.Duration
	LoopCeiling    int

	HeartbeatInterval time.Duration
	ReconnectBackoff  time.Duration

	WebhookURL     string
	NotifyThrottle time.Duration

	RestartHour int // local hour of the daily maintenance restart

	LogLevel string
}

// FromEnv assembles a Config from PLAYERD_* environment variables.
func FromEnv() Config {
	dataDir := ParseString("PLAYERD_DATA", "/var/lib/playerd")
	return Config{
		DataDir:           dataDir,
		CacheDir:          ParseString("PLAYERD_CACHE_DIR", filepath.Join(dataDir, "cache")),
		ServerURL:         ParseString("PLAYERD_SERVER_URL", "wss://dashboard.kioskly.io/socket"),
		ListenAddr:        ParseString("PLAYERD_LISTEN", "127.0.0.1:8088"),
		CacheBudgetBytes:  ParseInt64("PLAYERD_CACHE_BUDGET_BYTES", DefaultCacheBudgetBytes),
		CacheWatch:        ParseBool("PLAYERD_CACHE_WATCH", true),
		PlayerCommand:     strings.Fields(ParseString("PLAYERD_PLAYER_CMD", "")),
		PlayerDwell:       ParseDuration("PLAYERD_PLAYER_DWELL", 10*time.Second),
		WatchdogTick:      ParseDuration("PLAYERD_WATCHDOG_TICK", DefaultWatchdogTick),
		StuckThreshold:    ParseDuration("PLAYERD_STUCK_THRESHOLD", DefaultStuckThreshold),
		EndDebounce:       ParseDuration("PLAYERD_END_DEBOUNCE", DefaultEndDebounce),
		ErrorAdvance:      ParseDuration("PLAYERD_ERROR_ADVANCE", DefaultErrorAdvance),
		SessionCeiling:    ParseDuration("PLAYERD_SESSION_CEILING", DefaultSessionCeiling),
		LoopCeiling:       ParseInt("PLAYERD_LOOP_CEILING", DefaultLoopCeiling),
		HeartbeatInterval: ParseDuration("PLAYERD_HEARTBEAT", DefaultHeartbeat),
		ReconnectBackoff:  ParseDuration("PLAYERD_RECONNECT_BACKOFF", DefaultReconnectBackoff),
		WebhookURL:        ParseString("PLAYERD_WEBHOOK_URL", ""),
		NotifyThrottle:    ParseDuration("PLAYERD_NOTIFY_THROTTLE", DefaultNotifyThrottle),
		RestartHour:       ParseInt("PLAYERD_RESTART_HOUR", DefaultRestartHour),
		LogLevel:          ParseString("LOG_LEVEL", "info"),
	}
}

// Validate checks the config for values the daemon cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache dir must not be empty")
	}
	if c.CacheBudgetBytes <= 0 {
		return fmt.Errorf("cache budget must be positive, got %d", c.CacheBudgetBytes)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.StuckThreshold <= 0 || c.WatchdogTick <= 0 {
		return fmt.Errorf("watchdog intervals must be positive")
	}
	if c.LoopCeiling <= 0 {
		return fmt.Errorf("loop ceiling must be positive, got %d", c.LoopCeiling)
	}
	if c.RestartHour < 0 || c.RestartHour > 23 {
		return fmt.Errorf("restart hour out of range: %d", c.RestartHour)
	}
	return nil
}
