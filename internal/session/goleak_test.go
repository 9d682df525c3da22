// SPDX-License-Identifier: MIT
package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/kioskly/playerd/internal/protocol"
)

func TestController_RunShutdown_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	link := newFakeLink()
	factory := &fakeFactory{}
	ctrl := New(link, &fakeIDs{}, factory.build, func(string) {}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ctrl.Run(ctx)
		close(done)
	}()

	link.inbound <- playlistMsg(protocol.TypePlayList, "https://cdn.example.com/a.mp4")
	deadline := time.After(2 * time.Second)
	for ctrl.CurrentState() != StatePlaying {
		select {
		case <-deadline:
			t.Fatal("controller never reached playing")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}
