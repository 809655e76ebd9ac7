package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateSpacesSameHost(t *testing.T) {
	g := NewGate(Config{DefaultInterval: 50 * time.Millisecond}, zerolog.Nop())
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, g.Wait(ctx, "http://tracker.example/a", 0))
	require.NoError(t, g.Wait(ctx, "http://tracker.example/b", 0))
	require.NoError(t, g.Wait(ctx, "http://TRACKER.example/c", 0))

	assert.GreaterOrEqual(t, time.Since(start), 95*time.Millisecond)
}

func TestGateDoesNotBlockOtherHosts(t *testing.T) {
	g := NewGate(Config{DefaultInterval: time.Hour}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, g.Wait(ctx, "http://slow.example/", 0))

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		// blocked for an hour unless cancelled
		blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, g.Wait(blocked, "http://slow.example/", 0), context.DeadlineExceeded)
	}()
	go func() {
		assert.NoError(t, g.Wait(ctx, "http://fast.example/", 0))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated host was blocked")
	}
	wg.Wait()
}

func TestGateOverrides(t *testing.T) {
	g := NewGate(Config{
		DefaultInterval: time.Hour,
		HostIntervals:   map[string]time.Duration{"free.example": 0},
	}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Wait(ctx, "http://free.example/", 0))
	}

	require.NoError(t, g.Wait(ctx, "http://per-request.example/", time.Millisecond))
	require.NoError(t, g.Wait(ctx, "http://per-request.example/", time.Millisecond))
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "example.org", HostOf("https://Example.org:8443/path?q=1"))
	assert.Equal(t, "not a url", HostOf("not a url"))
}
