// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instruments for the player daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheLookupTotal tracks cache lookups by result (hit, miss, stale).
	CacheLookupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playerd_cache_lookup_total",
		Help: "Total cache lookups by result",
	}, []string{"result"})

	// CacheDownloadTotal tracks download attempts by outcome.
	CacheDownloadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playerd_cache_download_total",
		Help: "Total cache downloads by result",
	}, []string{"result"})

	// CacheDownloadDuration tracks the wall time of completed downloads.
	CacheDownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "playerd_cache_download_duration_seconds",
		Help:    "Time taken to download a video into the cache",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90, 180},
	})

	// CacheEvictedBytes counts bytes removed by LRU eviction.
	CacheEvictedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playerd_cache_evicted_bytes_total",
		Help: "Total bytes removed by cache eviction",
	})

	// CacheSizeBytes reports the current manifest total.
	CacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playerd_cache_size_bytes",
		Help: "Current total size of cached videos",
	})

	// PlaybackAdvanceTotal counts playlist advances by trigger (ended, error).
	PlaybackAdvanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playerd_playback_advance_total",
		Help: "Total playlist advances by trigger",
	}, []string{"trigger"})

	// RefreshSignalTotal counts refresh signals by reason.
	RefreshSignalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playerd_refresh_signal_total",
		Help: "Total playback refresh signals by reason",
	}, []string{"reason"})

	// SessionState reports the controller state as a one-hot gauge.
	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playerd_session_state",
		Help: "Current session state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	// HeartbeatTotal counts heartbeats sent to the dashboard.
	HeartbeatTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playerd_heartbeat_total",
		Help: "Total heartbeats sent",
	})

	// ReconnectTotal counts websocket reconnect attempts by result.
	ReconnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playerd_reconnect_total",
		Help: "Total websocket reconnect attempts by result",
	}, []string{"result"})
)

// ObserveDownload records a completed download attempt.
func ObserveDownload(ok bool, duration time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	CacheDownloadTotal.WithLabelValues(result).Inc()
	if ok {
		CacheDownloadDuration.Observe(duration.Seconds())
	}
}

// SetSessionState flips the one-hot session state gauge.
func SetSessionState(state string) {
	for _, s := range []string{"loading", "pairing", "playing", "sleeping"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
