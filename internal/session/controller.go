// SPDX-License-Identifier: MIT

// Package session owns the pairing/playing/sleeping state machine. It is the
// single consumer of inbound dashboard messages and drives the playback
// engine, the content cache and the restart plumbing.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kioskly/playerd/internal/identity"
	"github.com/kioskly/playerd/internal/log"
	"github.com/kioskly/playerd/internal/metrics"
	"github.com/kioskly/playerd/internal/player"
	"github.com/kioskly/playerd/internal/protocol"
	"github.com/kioskly/playerd/internal/telemetry"
	"github.com/kioskly/playerd/internal/transport"
)

// State is the controller's coarse lifecycle state.
type State string

const (
	StateLoading  State = "loading"
	StatePairing  State = "pairing"
	StatePlaying  State = "playing"
	StateSleeping State = "sleeping"
)

// Link is the slice of the dashboard transport the controller needs.
type Link interface {
	Inbound() <-chan protocol.Message
	Send(v any)
	SetAuth(a transport.Auth)
	Reconnect()
}

// Engine is the slice of the playback engine the controller needs. A fresh
// Engine is constructed for every playlist assignment so no standby-slot
// state leaks across unrelated playlists.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
	Refresh() <-chan player.RefreshReason
	Snapshot() (player.Status, bool)
	OnForeground()
}

// EngineFactory builds an Engine for a playlist.
type EngineFactory func(playlist []protocol.VideoSource) (Engine, error)

// IdentityStore is the slice of the identity store the controller needs.
type IdentityStore interface {
	Load() (identity.Record, error)
	Save(rec identity.Record) error
	Clear() error
}

// RestartFunc requests a full process restart with a human-readable reason.
type RestartFunc func(reason string)

// Controller is the orchestrator. Construct with New, drive with Run.
type Controller struct {
	link     Link
	ids      IdentityStore
	engines  EngineFactory
	restart  RestartFunc
	notifier *telemetry.Notifier
	logger   zerolog.Logger

	ctx       context.Context
	refreshCh chan player.RefreshReason

	mu           sync.Mutex
	state        State
	playlist     []protocol.VideoSource
	engine       Engine
	engineCancel context.CancelFunc
	identity     identity.Record
	pairingCode  string
	orientation  int
	schedule     *protocol.ScheduleWindow
}

// New creates a Controller.
func New(link Link, ids IdentityStore, engines EngineFactory, restart RestartFunc, notifier *telemetry.Notifier, logger zerolog.Logger) *Controller {
	return &Controller{
		link:      link,
		ids:       ids,
		engines:   engines,
		restart:   restart,
		notifier:  notifier,
		logger:    logger,
		refreshCh: make(chan player.RefreshReason, 4),
		state:     StateLoading,
	}
}

// Run restores identity, installs transport credentials and consumes inbound
// messages until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx

	rec, err := c.ids.Load()
	if err != nil {
		return fmt.Errorf("restore identity: %w", err)
	}
	c.mu.Lock()
	c.identity = rec
	if rec.Empty() {
		// First boot: show a locally minted code until the dashboard
		// assigns the real one during registration.
		c.pairingCode = identity.ProvisionalCode()
	}
	c.mu.Unlock()
	if !rec.Empty() {
		c.link.SetAuth(transport.Auth{Token: rec.Token, DeviceID: rec.ID})
		c.logger.Info().Str("device_id", rec.ID).Msg("identity restored")
	}
	c.setState(StateLoading)

	for {
		select {
		case <-ctx.Done():
			c.stopEngine()
			return ctx.Err()

		case msg, ok := <-c.link.Inbound():
			if !ok {
				c.stopEngine()
				return fmt.Errorf("inbound channel closed")
			}
			c.handle(msg)

		case reason := <-c.refreshCh:
			c.logger.Warn().Str("reason", string(reason)).Msg("playback refresh required")
			c.notifier.Notify(ctx, "Playback Refresh", string(reason), telemetry.SeverityWarning)
			c.restart(string(reason))
		}
	}
}

// handle applies one inbound message to the state machine. Unexpected or
// malformed messages leave the current state untouched.
func (c *Controller) handle(msg protocol.Message) {
	payload := msg.Payload
	if payload == nil {
		payload = &protocol.Payload{}
	}
	if payload.Orientation != 0 {
		c.mu.Lock()
		c.orientation = payload.Orientation
		c.mu.Unlock()
	}

	switch msg.Type {
	case protocol.TypeRegister:
		if c.CurrentState() != StateLoading {
			c.logger.Debug().Str("state", string(c.CurrentState())).Msg("register ignored outside loading")
			return
		}
		if payload.Code != "" {
			c.mu.Lock()
			c.pairingCode = payload.Code
			c.mu.Unlock()
		}
		c.setState(StatePairing)

	case protocol.TypePaired:
		rec := identity.Record{
			ID:    payload.DeviceID,
			Code:  payload.Code,
			Name:  payload.Name,
			Token: payload.Token,
		}
		if err := c.ids.Save(rec); err != nil {
			c.logger.Error().Err(err).Msg("failed to persist identity")
		}
		c.mu.Lock()
		c.identity = rec
		c.mu.Unlock()
		c.link.SetAuth(transport.Auth{Token: rec.Token, DeviceID: rec.ID})
		c.stopEngine()
		c.setState(StateSleeping)

	case protocol.TypeAuth:
		if payload.DeviceID != "" || payload.Token != "" {
			c.mu.Lock()
			if payload.DeviceID != "" {
				c.identity.ID = payload.DeviceID
			}
			if payload.Token != "" {
				c.identity.Token = payload.Token
			}
			rec := c.identity
			c.mu.Unlock()
			if err := c.ids.Save(rec); err != nil {
				c.logger.Error().Err(err).Msg("failed to persist identity")
			}
			c.link.SetAuth(transport.Auth{Token: rec.Token, DeviceID: rec.ID})
		}
		if len(c.currentPlaylist()) > 0 {
			c.setState(StatePlaying)
		} else {
			c.setState(StateSleeping)
		}

	case protocol.TypePlay:
		item := payload.Video
		if item == nil && len(payload.Playlist) == 1 {
			item = &payload.Playlist[0]
		}
		if item == nil || item.URL == "" {
			c.logger.Warn().Msg("play message without a video, ignored")
			return
		}
		c.assignPlaylist([]protocol.VideoSource{*item})

	case protocol.TypePlayList:
		c.assignPlaylist(payload.Playlist)

	case protocol.TypeSyncState:
		if protocol.SamePlaylist(payload.Playlist, c.currentPlaylist()) {
			// Same content in the same order: restarting the player here
			// would only cause a visible stutter.
			c.logger.Debug().Msg("sync_state matches current playlist, no-op")
			return
		}
		c.assignPlaylist(payload.Playlist)

	case protocol.TypeScheduleUpdate:
		c.mu.Lock()
		c.schedule = payload.Schedule
		c.mu.Unlock()
		c.logger.Info().Msg("schedule updated")

	case protocol.TypeStop, protocol.TypeHibernate:
		c.mu.Lock()
		c.playlist = nil
		c.mu.Unlock()
		c.stopEngine()
		c.setState(StateSleeping)

	case protocol.TypeReset:
		c.restart("Remote Reset")

	case protocol.TypeUnpair:
		if err := c.ids.Clear(); err != nil {
			c.logger.Error().Err(err).Msg("failed to clear identity")
		}
		c.mu.Lock()
		c.identity = identity.Record{}
		c.playlist = nil
		c.mu.Unlock()
		c.stopEngine()
		c.link.SetAuth(transport.Auth{})
		c.link.Reconnect()
		c.setState(StateLoading)

	default:
		c.logger.Debug().Str("type", msg.Type).Msg("unhandled message type")
	}
}

// assignPlaylist replaces the playlist and rebuilds the playback engine. An
// empty playlist puts the device to sleep.
func (c *Controller) assignPlaylist(items []protocol.VideoSource) {
	c.mu.Lock()
	c.playlist = items
	c.mu.Unlock()

	c.stopEngine()
	if len(items) == 0 {
		c.setState(StateSleeping)
		return
	}

	eng, err := c.engines(items)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to build playback engine")
		c.setState(StateSleeping)
		return
	}
	// Downstream logs (cache downloads, playback) carry the device identity.
	c.mu.Lock()
	runCtx := log.ContextWithDeviceID(c.ctx, c.identity.ID)
	c.mu.Unlock()
	if err := eng.Start(runCtx); err != nil {
		c.logger.Error().Err(err).Msg("failed to start playback engine")
		c.setState(StateSleeping)
		return
	}

	ectx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.engine = eng
	c.engineCancel = cancel
	c.mu.Unlock()

	// Forward this engine's refresh signals for as long as it lives.
	go func() {
		for {
			select {
			case <-ectx.Done():
				return
			case reason := <-eng.Refresh():
				select {
				case c.refreshCh <- reason:
				case <-ectx.Done():
					return
				}
			}
		}
	}()

	c.setState(StatePlaying)
	c.logger.Info().Int("items", len(items)).Msg("playlist assigned")
}

func (c *Controller) stopEngine() {
	c.mu.Lock()
	eng := c.engine
	cancel := c.engineCancel
	c.engine = nil
	c.engineCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if eng != nil {
		eng.Stop()
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("session state changed")
	}
	metrics.SetSessionState(string(s))
}

// OnForeground notifies the running engine that the device came back to the
// foreground, so progress tracking restarts cleanly. No-op while sleeping.
func (c *Controller) OnForeground() {
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng != nil {
		eng.OnForeground()
	}
}

// CurrentState returns the controller state.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) currentPlaylist() []protocol.VideoSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playlist
}

// Status is the operator-facing snapshot served by the local API.
type Status struct {
	State       State                    `json:"state"`
	DeviceID    string                   `json:"device_id,omitempty"`
	DeviceName  string                   `json:"device_name,omitempty"`
	PairingCode string                   `json:"pairing_code,omitempty"`
	Orientation int                      `json:"orientation,omitempty"`
	Items       int                      `json:"playlist_items"`
	Schedule    *protocol.ScheduleWindow `json:"schedule,omitempty"`
	Playback    *player.Status           `json:"playback,omitempty"`
}

// Status returns a point-in-time snapshot for the local API.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:       c.state,
		DeviceID:    c.identity.ID,
		DeviceName:  c.identity.Name,
		PairingCode: c.pairingCode,
		Orientation: c.orientation,
		Items:       len(c.playlist),
		Schedule:    c.schedule,
	}
	eng := c.engine
	c.mu.Unlock()

	if eng != nil {
		if snap, ok := eng.Snapshot(); ok {
			st.Playback = &snap
		}
	}
	return st
}
