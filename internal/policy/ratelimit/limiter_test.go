package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: the second call waits ~100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://itunes.apple.com/us/rss"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://itunes.apple.com/us/rss?page=2"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_DifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://oauth.reddit.com/r/acme/new"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://api.twitterapi.io/twitter/tweet/advanced_search"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_HostOverrideAndCancel(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0, HostRPS: map[string]float64{"Slow.Example.com": 0.001}})
	ctx := context.Background()

	// Unlimited default never blocks.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, "https://fast.example.com"))
	}

	require.NoError(t, l.Wait(ctx, "https://slow.example.com/a"))
	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(cancelled, "https://slow.example.com/b"))
}

func TestNilLimiterNeverBlocks(t *testing.T) {
	t.Parallel()

	var l *Limiter
	require.NoError(t, l.Wait(context.Background(), "https://example.com"))
}
