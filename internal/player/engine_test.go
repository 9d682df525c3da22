// SPDX-License-Identifier: MIT
package player

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioskly/playerd/internal/protocol"
)

// fakeSurface records every Play call and signals each one on a channel.
type fakeSurface struct {
	mu     sync.Mutex
	played []Source
	ch     chan Source
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{ch: make(chan Source, 32)}
}

func (f *fakeSurface) Play(ctx context.Context, src Source) error {
	f.mu.Lock()
	f.played = append(f.played, src)
	f.mu.Unlock()
	f.ch <- src
	return nil
}

func (f *fakeSurface) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

func (f *fakeSurface) waitPlay(t *testing.T) Source {
	t.Helper()
	select {
	case src := <-f.ch:
		return src
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for surface Play")
		return Source{}
	}
}

// fakeCache resolves every URL to a deterministic local path. Prefetch can be
// forced to fail per URL, and calls are counted.
type fakeCache struct {
	mu        sync.Mutex
	cached    map[string]string
	failing   map[string]bool
	prefetchN map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		cached:    make(map[string]string),
		failing:   make(map[string]bool),
		prefetchN: make(map[string]int),
	}
}

func (f *fakeCache) CachedPath(ctx context.Context, url string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.cached[url]
	return p, ok
}

func (f *fakeCache) Prefetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetchN[url]++
	if f.failing[url] {
		return "", fmt.Errorf("download video: unexpected status 503")
	}
	p := "/cache/" + url[len(url)-5:]
	f.cached[url] = p
	return p, nil
}

func (f *fakeCache) prefetches(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefetchN[url]
}

func playlist(n int) []protocol.VideoSource {
	items := make([]protocol.VideoSource, n)
	for i := range items {
		items[i] = protocol.VideoSource{URL: fmt.Sprintf("https://cdn.example.com/%c.mp4", 'a'+i)}
	}
	return items
}

func startEngine(t *testing.T, cfg Config, items []protocol.VideoSource, cache Cache, surface Surface) *Engine {
	t.Helper()
	eng, err := New(cfg, items, cache, surface, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng
}

// fastCfg keeps debounce out of the way and real-time waits short.
func fastCfg() Config {
	return Config{
		WatchdogTick:   time.Hour, // disabled unless a test wants it
		StuckThreshold: time.Hour,
		EndDebounce:    time.Millisecond,
		ErrorAdvance:   5 * time.Millisecond,
		SessionCeiling: time.Hour,
		LoopCeiling:    1000,
	}
}

func TestNew_EmptyPlaylistRejected(t *testing.T) {
	_, err := New(Config{}, nil, newFakeCache(), newFakeSurface(), zerolog.Nop())
	require.Error(t, err)
}

func TestAdvance_ThreeEndedEventsWrapAndCountLoop(t *testing.T) {
	cache := newFakeCache()
	surface := newFakeSurface()
	eng := startEngine(t, fastCfg(), playlist(3), cache, surface)

	surface.waitPlay(t) // item 0
	for i := 0; i < 3; i++ {
		time.Sleep(3 * time.Millisecond) // clear the debounce window
		eng.OnEnded()
		surface.waitPlay(t)
	}

	st, ok := eng.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 0, st.Index, "three ends on a three-item playlist wrap to the start")
	assert.Equal(t, 1, st.LoopCount)
}

func TestAdvance_DebouncesDuplicateEndEvents(t *testing.T) {
	cfg := fastCfg()
	cfg.EndDebounce = 300 * time.Millisecond
	surface := newFakeSurface()
	eng := startEngine(t, cfg, playlist(3), newFakeCache(), surface)

	surface.waitPlay(t)
	eng.OnEnded()
	eng.OnEnded() // duplicate within the debounce window
	surface.waitPlay(t)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, surface.count(), "duplicate end event must not cause a second advance")

	st, _ := eng.Snapshot()
	assert.Equal(t, 1, st.Index)
}

func TestAdvance_PromotesStandbyForGaplessTransition(t *testing.T) {
	cache := newFakeCache()
	surface := newFakeSurface()
	eng := startEngine(t, fastCfg(), playlist(2), cache, surface)

	surface.waitPlay(t)

	// Give the async standby prefetch time to land before ending item 0.
	require.Eventually(t, func() bool {
		return cache.prefetches("https://cdn.example.com/b.mp4") >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	eng.OnEnded()
	src := surface.waitPlay(t)
	assert.Equal(t, "https://cdn.example.com/b.mp4", src.Item.URL)
	assert.NotEmpty(t, src.LocalPath, "standby must be promoted to active with its local path")
}

func TestAdvance_StreamsRemoteWhenStandbyNotReady(t *testing.T) {
	cache := newFakeCache()
	cache.failing["https://cdn.example.com/b.mp4"] = true
	surface := newFakeSurface()
	eng := startEngine(t, fastCfg(), playlist(2), cache, surface)

	surface.waitPlay(t)
	require.Eventually(t, func() bool {
		return cache.prefetches("https://cdn.example.com/b.mp4") >= 1
	}, time.Second, 5*time.Millisecond)

	eng.OnEnded()
	src := surface.waitPlay(t)
	assert.Equal(t, "https://cdn.example.com/b.mp4", src.Item.URL)
	assert.Empty(t, src.LocalPath, "uncached item must fall back to streaming the remote URL")
}

func TestSingleItemPlaylist_RestartsWithoutRefetch(t *testing.T) {
	cache := newFakeCache()
	surface := newFakeSurface()
	eng := startEngine(t, fastCfg(), playlist(1), cache, surface)

	surface.waitPlay(t)
	for i := 0; i < 3; i++ {
		time.Sleep(3 * time.Millisecond)
		eng.OnEnded()
		src := surface.waitPlay(t)
		assert.Equal(t, "https://cdn.example.com/a.mp4", src.Item.URL)
	}

	assert.Equal(t, 1, cache.prefetches("https://cdn.example.com/a.mp4"),
		"looping a one-item playlist must not hit the cache again")

	st, _ := eng.Snapshot()
	assert.Equal(t, 3, st.LoopCount)
}

func TestError_AdvancesAfterShortDelay(t *testing.T) {
	surface := newFakeSurface()
	eng := startEngine(t, fastCfg(), playlist(2), newFakeCache(), surface)

	surface.waitPlay(t)
	eng.OnError(fmt.Errorf("decode failure"))

	src := surface.waitPlay(t)
	assert.Equal(t, "https://cdn.example.com/b.mp4", src.Item.URL,
		"a playback error must advance exactly like an ended event")
}

func TestWatchdog_FiresOnceOnStall(t *testing.T) {
	cfg := fastCfg()
	cfg.WatchdogTick = 10 * time.Millisecond
	cfg.StuckThreshold = 60 * time.Millisecond
	surface := newFakeSurface()
	eng := startEngine(t, cfg, playlist(2), newFakeCache(), surface)

	surface.waitPlay(t)

	select {
	case reason := <-eng.Refresh():
		assert.Equal(t, ReasonStuck, reason)
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired on a stalled session")
	}

	// The baseline was reset; no immediate refire for the same stall.
	select {
	case <-eng.Refresh():
		t.Fatal("watchdog refired immediately after signalling")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestWatchdog_ForegroundResetsBaseline(t *testing.T) {
	cfg := fastCfg()
	cfg.WatchdogTick = 10 * time.Millisecond
	cfg.StuckThreshold = 80 * time.Millisecond
	surface := newFakeSurface()
	eng := startEngine(t, cfg, playlist(2), newFakeCache(), surface)

	surface.waitPlay(t)

	deadline := time.After(250 * time.Millisecond)
	for {
		select {
		case <-eng.Refresh():
			t.Fatal("watchdog fired despite foreground progress resets")
		case <-deadline:
			return
		case <-time.After(20 * time.Millisecond):
			eng.OnForeground()
		}
	}
}

// slowFirstFetchCache advances an injected clock once, inside the first
// Prefetch, to model a cold-cache download that outlasts the stuck threshold.
type slowFirstFetchCache struct {
	*fakeCache
	once    sync.Once
	advance func(time.Duration)
}

func (c *slowFirstFetchCache) Prefetch(ctx context.Context, url string) (string, error) {
	c.once.Do(func() { c.advance(60 * time.Second) })
	return c.fakeCache.Prefetch(ctx, url)
}

func TestWatchdog_ToleratesSlowFirstDownload(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	cache := &slowFirstFetchCache{
		fakeCache: newFakeCache(),
		advance: func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		},
	}

	cfg := fastCfg()
	cfg.WatchdogTick = 10 * time.Millisecond
	cfg.StuckThreshold = 25 * time.Second
	cfg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	surface := newFakeSurface()
	eng := startEngine(t, cfg, playlist(2), cache, surface)
	surface.waitPlay(t)

	select {
	case reason := <-eng.Refresh():
		t.Fatalf("refresh %q signalled right after a slow cold start", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoopCeiling_SignalsPeriodicRefresh(t *testing.T) {
	cfg := fastCfg()
	cfg.LoopCeiling = 2
	surface := newFakeSurface()
	eng := startEngine(t, cfg, playlist(1), newFakeCache(), surface)

	surface.waitPlay(t)

	time.Sleep(3 * time.Millisecond)
	eng.OnEnded() // loop 1, keeps playing
	surface.waitPlay(t)

	time.Sleep(3 * time.Millisecond)
	eng.OnEnded() // loop 2, ceiling reached

	select {
	case reason := <-eng.Refresh():
		assert.Equal(t, ReasonPeriodic, reason)
	case <-time.After(time.Second):
		t.Fatal("loop ceiling never signalled a refresh")
	}
	assert.Equal(t, 2, surface.count(), "playback must not continue past the ceiling")
}

func TestSessionCeiling_TakesPrecedenceOverLoopCount(t *testing.T) {
	cfg := fastCfg()
	cfg.SessionCeiling = 30 * time.Millisecond
	cfg.LoopCeiling = 1
	surface := newFakeSurface()
	eng := startEngine(t, cfg, playlist(1), newFakeCache(), surface)

	surface.waitPlay(t)
	time.Sleep(50 * time.Millisecond) // exceed the session ceiling
	eng.OnEnded()

	select {
	case reason := <-eng.Refresh():
		assert.Equal(t, ReasonSession, reason,
			"an elapsed session reports the session reason even when the loop ceiling is also hit")
	case <-time.After(time.Second):
		t.Fatal("session ceiling never signalled a refresh")
	}
}

func TestStop_TerminatesEngine(t *testing.T) {
	surface := newFakeSurface()
	eng, err := New(fastCfg(), playlist(2), newFakeCache(), surface, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	surface.waitPlay(t)
	eng.Stop()

	_, ok := eng.Snapshot()
	assert.False(t, ok, "snapshot after stop reports the engine gone")
}
