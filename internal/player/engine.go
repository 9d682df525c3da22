// SPDX-License-Identifier: MIT

// Package player maintains gapless circular playback over a playlist using a
// two-slot (active/standby) buffering scheme. The standby slot is preloaded
// through the content cache while the active item plays, so loop transitions
// never wait on network or disk. A watchdog detects stuck playback and a
// session ceiling bounds memory growth in the underlying media pipeline.
package player

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kioskly/playerd/internal/metrics"
	"github.com/kioskly/playerd/internal/protocol"
)

// RefreshReason tags a refresh signal with why the engine wants a restart.
type RefreshReason string

const (
	ReasonStuck    RefreshReason = "Playback Stuck (Watchdog)"
	ReasonSession  RefreshReason = "2hr Session"
	ReasonPeriodic RefreshReason = "Periodic"
)

// Source is what the engine hands to the playback surface. LocalPath is empty
// when the cache could not serve the item and the surface should stream the
// remote URL directly.
type Source struct {
	Item      protocol.VideoSource
	LocalPath string
}

// Surface is the external playback collaborator (the actual video output).
// Play starts playback of src and returns; completion and failure come back
// through the engine's OnEnded/OnError inputs.
type Surface interface {
	Play(ctx context.Context, src Source) error
}

// Cache is the slice of the content cache the engine needs.
type Cache interface {
	Prefetch(ctx context.Context, url string) (string, error)
	CachedPath(ctx context.Context, url string) (string, bool)
}

// Config captures the engine tunables.
type Config struct {
	WatchdogTick   time.Duration
	StuckThreshold time.Duration
	EndDebounce    time.Duration
	ErrorAdvance   time.Duration
	SessionCeiling time.Duration
	LoopCeiling    int

	// Now is optional; overridden in tests.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.WatchdogTick <= 0 {
		c.WatchdogTick = 5 * time.Second
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 25 * time.Second
	}
	if c.EndDebounce <= 0 {
		c.EndDebounce = 500 * time.Millisecond
	}
	if c.ErrorAdvance <= 0 {
		c.ErrorAdvance = time.Second
	}
	if c.SessionCeiling <= 0 {
		c.SessionCeiling = 2 * time.Hour
	}
	if c.LoopCeiling <= 0 {
		c.LoopCeiling = 20
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// session is the per-playlist playback bookkeeping, owned by the run goroutine.
type session struct {
	currentIndex     int
	activeSourcePath string
	standbyPath      string
	standbyIndex     int
	standbyReady     bool
	sessionStartedAt time.Time
	lastProgressAt   time.Time
	lastEndEventAt   time.Time
	loopCount        int
}

type eventKind int

const (
	evEnded eventKind = iota
	evError
	evAdvance // post-error advance, bypasses the end-event debounce
	evForeground
	evStandbyDone
)

type event struct {
	kind  eventKind
	err   error
	index int    // evStandbyDone
	path  string // evStandbyDone, empty on prefetch failure
}

// Engine drives one playlist. Construct a fresh Engine for every playlist
// assignment; standby-slot state never survives across playlists.
type Engine struct {
	cfg      Config
	playlist []protocol.VideoSource
	cache    Cache
	surface  Surface
	logger   zerolog.Logger

	events    chan event
	refreshCh chan RefreshReason
	statusCh  chan chan Status

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Status is a point-in-time snapshot for the operator API.
type Status struct {
	Index      int       `json:"index"`
	LoopCount  int       `json:"loop_count"`
	ActivePath string    `json:"active_path,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Items      int       `json:"items"`
}

// New creates an engine for the given playlist.
func New(cfg Config, playlist []protocol.VideoSource, cache Cache, surface Surface, logger zerolog.Logger) (*Engine, error) {
	if len(playlist) == 0 {
		return nil, fmt.Errorf("playlist must not be empty")
	}
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		playlist:  playlist,
		cache:     cache,
		surface:   surface,
		logger:    logger,
		events:    make(chan event, 16),
		refreshCh: make(chan RefreshReason, 4),
		statusCh:  make(chan chan Status),
		done:      make(chan struct{}),
	}, nil
}

// Start resolves the first item, begins playback and launches the engine
// goroutine. The first item is fetched through the cache; on cache failure the
// engine streams the remote URL so a cold cache never blocks the screen.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	s := &session{
		currentIndex:     0,
		sessionStartedAt: e.cfg.Now(),
		standbyIndex:     -1,
	}

	first := e.resolve(e.ctx, e.playlist[0])
	s.activeSourcePath = first.LocalPath
	if err := e.surface.Play(e.ctx, first); err != nil {
		// A bad first item is handled like any other playback error.
		e.logger.Warn().Err(err).Str("url", first.Item.URL).Msg("first item failed to start")
		e.scheduleAdvance()
	}

	if len(e.playlist) > 1 {
		e.prefetchStandby(s, 1)
	}

	// Progress tracking starts when playback does, not when the fetch began.
	// A cold first download can take longer than the stuck threshold and must
	// not count against the watchdog.
	s.lastProgressAt = e.cfg.Now()
	go e.run(s)
	return nil
}

// Stop terminates the engine goroutine. Idempotent is not required; the
// controller stops an engine exactly once, when replacing or shutting down.
func (e *Engine) Stop() {
	e.cancel()
	<-e.done
}

// Refresh delivers refresh-required signals. The controller must consume them.
func (e *Engine) Refresh() <-chan RefreshReason {
	return e.refreshCh
}

// OnEnded reports that the surface finished playing the active source.
func (e *Engine) OnEnded() { e.post(event{kind: evEnded}) }

// OnError reports a playback error on the active source.
func (e *Engine) OnError(err error) { e.post(event{kind: evError, err: err}) }

// OnForeground reports that the host returned to foreground; the watchdog
// baseline resets so background suspension alone never looks like a stall.
func (e *Engine) OnForeground() { e.post(event{kind: evForeground}) }

// Snapshot returns current playback bookkeeping, or false after Stop.
func (e *Engine) Snapshot() (Status, bool) {
	reply := make(chan Status, 1)
	select {
	case e.statusCh <- reply:
		return <-reply, true
	case <-e.done:
		return Status{}, false
	}
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// run is the engine's single consumer goroutine; it owns the session state.
func (e *Engine) run(s *session) {
	defer close(e.done)

	watchdog := time.NewTicker(e.cfg.WatchdogTick)
	defer watchdog.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case ev := <-e.events:
			switch ev.kind {
			case evEnded:
				now := e.cfg.Now()
				if !s.lastEndEventAt.IsZero() && now.Sub(s.lastEndEventAt) < e.cfg.EndDebounce {
					// Some players fire the end event twice; treat the pair as one.
					e.logger.Debug().Msg("debounced duplicate end event")
					continue
				}
				s.lastEndEventAt = now
				e.advance(s, "ended")

			case evError:
				e.logger.Warn().Err(ev.err).
					Int("index", s.currentIndex).
					Str("url", e.playlist[s.currentIndex].URL).
					Msg("playback error, advancing shortly")
				e.scheduleAdvance()

			case evAdvance:
				e.advance(s, "error")

			case evForeground:
				s.lastProgressAt = e.cfg.Now()

			case evStandbyDone:
				if ev.index == s.standbyIndex && ev.path != "" {
					s.standbyPath = ev.path
					s.standbyReady = true
				}
			}

		case <-watchdog.C:
			now := e.cfg.Now()
			if now.Sub(s.lastProgressAt) > e.cfg.StuckThreshold {
				// Reset the baseline so one stall produces one signal.
				s.lastProgressAt = now
				metrics.RefreshSignalTotal.WithLabelValues(string(ReasonStuck)).Inc()
				e.signalRefresh(ReasonStuck)
			}

		case reply := <-e.statusCh:
			reply <- Status{
				Index:      s.currentIndex,
				LoopCount:  s.loopCount,
				ActivePath: s.activeSourcePath,
				StartedAt:  s.sessionStartedAt,
				Items:      len(e.playlist),
			}
		}
	}
}

// advance moves to the next playlist item. Called only from run.
func (e *Engine) advance(s *session, trigger string) {
	now := e.cfg.Now()
	s.lastProgressAt = now
	metrics.PlaybackAdvanceTotal.WithLabelValues(trigger).Inc()

	nextIndex := (s.currentIndex + 1) % len(e.playlist)
	if nextIndex == 0 {
		s.loopCount++
		if reason, hit := e.ceilingReached(s, now); hit {
			metrics.RefreshSignalTotal.WithLabelValues(string(reason)).Inc()
			e.signalRefresh(reason)
			return
		}
	}

	if len(e.playlist) == 1 {
		// Restart the same source; no standby slot, no cache round-trip.
		e.play(s, Source{Item: e.playlist[0], LocalPath: s.activeSourcePath})
		return
	}

	s.currentIndex = nextIndex
	item := e.playlist[nextIndex]

	var src Source
	if s.standbyReady && s.standbyIndex == nextIndex {
		// The gapless path: the next file is already on disk.
		src = Source{Item: item, LocalPath: s.standbyPath}
	} else {
		// Standby not ready yet: stream the remote URL while the local copy
		// finishes in the background (the in-flight prefetch is not cancelled
		// and will be reused on the next loop).
		e.logger.Debug().Int("index", nextIndex).Msg("standby not ready, streaming remote")
		src = Source{Item: item}
	}
	s.standbyReady = false
	s.standbyPath = ""

	e.play(s, src)
	e.prefetchStandby(s, (nextIndex+1)%len(e.playlist))
}

func (e *Engine) play(s *session, src Source) {
	s.activeSourcePath = src.LocalPath
	if err := e.surface.Play(e.ctx, src); err != nil {
		e.logger.Warn().Err(err).Str("url", src.Item.URL).Msg("surface rejected source")
		e.scheduleAdvance()
	}
}

// prefetchStandby fills the standby slot asynchronously. Called only from the
// run goroutine (or before it starts).
func (e *Engine) prefetchStandby(s *session, index int) {
	s.standbyIndex = index
	s.standbyReady = false
	url := e.playlist[index].URL
	go func() {
		path, err := e.cache.Prefetch(e.ctx, url)
		if err != nil {
			// Best-effort: playback falls back to streaming on the boundary.
			e.logger.Warn().Err(err).Str("url", url).Msg("standby prefetch failed")
			e.post(event{kind: evStandbyDone, index: index})
			return
		}
		e.post(event{kind: evStandbyDone, index: index, path: path})
	}()
}

// ceilingReached checks the session-duration and loop-count ceilings at a
// loop boundary. Long video-decoding sessions do not fully reclaim pipeline
// memory, so the engine asks for a refresh instead of continuing.
func (e *Engine) ceilingReached(s *session, now time.Time) (RefreshReason, bool) {
	if now.Sub(s.sessionStartedAt) >= e.cfg.SessionCeiling {
		return ReasonSession, true
	}
	if s.loopCount >= e.cfg.LoopCeiling {
		return ReasonPeriodic, true
	}
	return "", false
}

func (e *Engine) scheduleAdvance() {
	time.AfterFunc(e.cfg.ErrorAdvance, func() {
		e.post(event{kind: evAdvance})
	})
}

func (e *Engine) signalRefresh(reason RefreshReason) {
	select {
	case e.refreshCh <- reason:
	default:
		e.logger.Warn().Str("reason", string(reason)).Msg("refresh signal dropped, channel full")
	}
}

// resolve maps a playlist item to a playable source, preferring the cache.
func (e *Engine) resolve(ctx context.Context, item protocol.VideoSource) Source {
	if p, ok := e.cache.CachedPath(ctx, item.URL); ok {
		return Source{Item: item, LocalPath: p}
	}
	p, err := e.cache.Prefetch(ctx, item.URL)
	if err != nil {
		e.logger.Warn().Err(err).Str("url", item.URL).Msg("first item not cacheable, streaming remote")
		return Source{Item: item}
	}
	return Source{Item: item, LocalPath: p}
}
