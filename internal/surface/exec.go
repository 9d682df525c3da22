// SPDX-License-Identifier: MIT

// Package surface renders playlist items by spawning an external media
// player for each one. It is the production Surface implementation; the
// playback engine stays ignorant of how frames reach the screen.
package surface

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kioskly/playerd/internal/player"
	"github.com/kioskly/playerd/internal/procgroup"
)

// Hooks receive playback outcomes. Both are invoked from a background
// goroutine, at most one of them per Play call.
type Hooks struct {
	OnEnded func()
	OnError func(err error)
}

// Config describes the external player invocation.
type Config struct {
	// Command is the player argv prefix, e.g. ["mpv", "--fullscreen"].
	// The media path or URL is appended as the final argument.
	// Empty means dry-run mode: items "play" for Dwell and then end.
	Command []string

	// Dwell is the simulated item duration in dry-run mode.
	Dwell time.Duration

	// KillGrace is how long the player gets to exit after SIGTERM.
	KillGrace time.Duration
}

// Exec runs one external player process at a time. Starting the next item
// tears the previous process group down first, which is what makes source
// switches cut over cleanly.
type Exec struct {
	cfg    Config
	hooks  Hooks
	logger zerolog.Logger

	mu      sync.Mutex
	current *exec.Cmd
	gen     int
}

func New(cfg Config, hooks Hooks, logger zerolog.Logger) *Exec {
	if cfg.Dwell <= 0 {
		cfg.Dwell = 10 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 3 * time.Second
	}
	return &Exec{cfg: cfg, hooks: hooks, logger: logger}
}

// Play starts playback of src and returns once the player process is up.
// Completion or failure is reported later through the hooks.
func (s *Exec) Play(ctx context.Context, src player.Source) error {
	target := src.LocalPath
	if target == "" {
		target = src.Item.URL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.gen++
	gen := s.gen

	if len(s.cfg.Command) == 0 {
		s.logger.Info().Str("name", src.Item.Name).Str("target", target).
			Dur("dwell", s.cfg.Dwell).Msg("dry-run playback")
		timer := time.AfterFunc(s.cfg.Dwell, func() {
			if s.stillCurrent(gen) && s.hooks.OnEnded != nil {
				s.hooks.OnEnded()
			}
		})
		go func() {
			<-ctx.Done()
			timer.Stop()
		}()
		return nil
	}

	args := append(append([]string{}, s.cfg.Command[1:]...), target)
	cmd := exec.CommandContext(ctx, s.cfg.Command[0], args...) // #nosec G204 -- operator-configured player command
	procgroup.Set(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	s.current = cmd
	s.logger.Info().Str("name", src.Item.Name).Str("target", target).
		Int("pid", cmd.Process.Pid).Msg("player started")

	go s.wait(cmd, gen)
	return nil
}

// Stop tears down the running player process, if any.
func (s *Exec) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.stopLocked()
}

func (s *Exec) wait(cmd *exec.Cmd, gen int) {
	err := cmd.Wait()

	if !s.stillCurrent(gen) {
		// Superseded or stopped; the exit is expected noise.
		return
	}

	if err != nil {
		s.logger.Warn().Err(err).Msg("player exited abnormally")
		if s.hooks.OnError != nil {
			s.hooks.OnError(err)
		}
		return
	}
	if s.hooks.OnEnded != nil {
		s.hooks.OnEnded()
	}
}

func (s *Exec) stillCurrent(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Exec) stopLocked() {
	if s.current == nil || s.current.Process == nil {
		return
	}
	pid := s.current.Process.Pid
	if err := procgroup.KillGroup(pid, s.cfg.KillGrace, s.cfg.KillGrace); err != nil {
		s.logger.Warn().Err(err).Int("pid", pid).Msg("player teardown incomplete")
	}
	s.current = nil
}
