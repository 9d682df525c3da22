// SPDX-License-Identifier: MIT

// Package restart funnels every restart trigger (operator reset, playback
// refresh escalation, daily maintenance timer) into one request channel. The
// daemon exits with ExitCodeRestart and relies on the supervising service
// unit to relaunch the process.
package restart

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ExitCodeRestart is the process exit code that asks the supervisor for an
// immediate relaunch, as opposed to a clean shutdown.
const ExitCodeRestart = 64

// Requester collects restart requests. The first request wins; later ones
// are dropped because the process is already on its way down.
type Requester struct {
	ch     chan string
	logger zerolog.Logger
}

// NewRequester creates a Requester.
func NewRequester(logger zerolog.Logger) *Requester {
	return &Requester{
		ch:     make(chan string, 1),
		logger: logger,
	}
}

// Request asks for a full process restart. Never blocks.
func (r *Requester) Request(reason string) {
	select {
	case r.ch <- reason:
		r.logger.Warn().Str("reason", reason).Msg("process restart requested")
	default:
		r.logger.Debug().Str("reason", reason).Msg("restart already pending, request dropped")
	}
}

// Requests delivers the winning restart reason.
func (r *Requester) Requests() <-chan string {
	return r.ch
}

// ScheduleDaily requests a restart at the next occurrence of hour:00 local
// time, every day, until ctx is cancelled. This is the unconditional
// maintenance safety net, independent of the session state machine.
func (r *Requester) ScheduleDaily(ctx context.Context, hour int) {
	go func() {
		for {
			next := NextDailyRun(time.Now(), hour)
			r.logger.Info().Time("next", next).Msg("daily restart scheduled")

			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				r.Request("Daily Maintenance Restart")
			}
		}
	}()
}

// NextDailyRun returns the next occurrence of hour:00 strictly after now, in
// now's location.
func NextDailyRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
