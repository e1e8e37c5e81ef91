package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(DefaultConfig(), clk), clk
}

func TestAllow_Burst(t *testing.T) {
	l, _ := newTestLimiter(t)

	allowed, rejected := 0, 0
	for i := 0; i < 20; i++ {
		if l.Allow("10.0.0.1").Allowed {
			allowed++
		} else {
			rejected++
		}
	}
	assert.Equal(t, 15, allowed)
	assert.Equal(t, 5, rejected)
}

func TestAllow_SustainedRate(t *testing.T) {
	l, clk := newTestLimiter(t)

	for i := 0; i < 15; i++ {
		require.True(t, l.Allow("client").Allowed)
	}
	require.False(t, l.Allow("client").Allowed)

	for i := 0; i < 500; i++ {
		clk.Add(100 * time.Millisecond)
		require.True(t, l.Allow("client").Allowed, "request %d at sustained rate was rejected", i)
	}
}

func TestAllow_ContinuousRefill(t *testing.T) {
	l, clk := newTestLimiter(t)

	for i := 0; i < 15; i++ {
		require.True(t, l.Allow("client").Allowed)
	}

	clk.Add(50 * time.Millisecond)
	assert.False(t, l.Allow("client").Allowed, "half a token must not admit a request")

	clk.Add(50 * time.Millisecond)
	assert.True(t, l.Allow("client").Allowed)

	clk.Add(10 * time.Second)
	res := l.Allow("client")
	require.True(t, res.Allowed)
	assert.Equal(t, 14, res.Remaining, "refill is capped at burst")
}

func TestAllow_RejectResult(t *testing.T) {
	l, _ := newTestLimiter(t)
	for i := 0; i < 15; i++ {
		l.Allow("k")
	}
	res := l.Allow("k")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Second, res.RetryAfter)
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	for i := 0; i < 15; i++ {
		require.True(t, l.Allow("a").Allowed)
	}
	assert.False(t, l.Allow("a").Allowed)
	assert.True(t, l.Allow("b").Allowed)
}

func TestAllow_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(t)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared").Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(15), admitted.Load())
}

func TestSweep_EvictsIdle(t *testing.T) {
	l, clk := newTestLimiter(t)

	l.Allow("old")
	clk.Add(9 * time.Minute)
	l.Allow("recent")
	clk.Add(2 * time.Minute)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())

	// an evicted key starts again with a full bucket
	for i := 0; i < 15; i++ {
		require.True(t, l.Allow("old").Allowed)
	}
}

func TestMaxKeys_EvictsLeastRecentlyUsed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shards = 1
	cfg.MaxKeys = 3
	l := New(cfg, clock.NewMock())

	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("client-%d", i))
	}
	assert.Equal(t, 3, l.Len())
}

func TestRun_SweepsOnTicker(t *testing.T) {
	l, clk := newTestLimiter(t)
	l.Allow("idle")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return l.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
