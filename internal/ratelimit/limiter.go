// Package ratelimit implements per-client token buckets.
//
// Buckets live in a fixed number of shards, each an LRU table guarded by its
// own mutex, so clients hashing to different shards never contend. Token
// accounting for a single key is serialized by that key's rate.Limiter.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/spaolacci/murmur3"
	"golang.org/x/time/rate"
)

// Config configures a Limiter
type Config struct {
	Rate          float64       // tokens per second
	Burst         int           // bucket capacity
	IdleTTL       time.Duration // buckets untouched for longer are swept
	SweepInterval time.Duration
	MaxKeys       int // upper bound on tracked keys across all shards
	Shards        int
}

// DefaultConfig returns 10 req/s with a burst of 15
func DefaultConfig() Config {
	return Config{
		Rate:          10,
		Burst:         15,
		IdleTTL:       10 * time.Minute,
		SweepInterval: time.Minute,
		MaxKeys:       100000,
		Shards:        32,
	}
}

// Result is the outcome of a single check
type Result struct {
	Allowed    bool
	Remaining  int           // whole tokens left after this check
	RetryAfter time.Duration // zero when Allowed
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time // guarded by the owning shard's mutex
}

type shard struct {
	mu      sync.Mutex
	buckets *simplelru.LRU[string, *bucket]
}

// Limiter tracks a token bucket per client key
type Limiter struct {
	cfg    Config
	clock  clock.Clock
	shards []*shard
}

// New creates a Limiter. A nil clock uses wall time.
func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultConfig().MaxKeys
	}
	perShard := cfg.MaxKeys / cfg.Shards
	if perShard < 1 {
		perShard = 1
	}

	l := &Limiter{
		cfg:    cfg,
		clock:  clk,
		shards: make([]*shard, cfg.Shards),
	}
	for i := range l.shards {
		// NewLRU only fails for a non-positive size.
		table, _ := simplelru.NewLRU[string, *bucket](perShard, nil)
		l.shards[i] = &shard{buckets: table}
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[murmur3.Sum32([]byte(key))%uint32(len(l.shards))]
}

// bucketFor returns the key's bucket, creating a full one on first use. When
// the shard is at capacity the least recently used key is dropped.
func (l *Limiter) bucketFor(key string, now time.Time) *bucket {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets.Get(key)
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		s.buckets.Add(key, b)
	}
	b.lastSeen = now
	return b
}

// Allow spends one token from key's bucket. Denied requests are never queued
// and never consume a partial token.
func (l *Limiter) Allow(key string) Result {
	now := l.clock.Now()
	b := l.bucketFor(key, now)

	if b.limiter.AllowN(now, 1) {
		return Result{
			Allowed:   true,
			Remaining: int(math.Floor(b.limiter.TokensAt(now))),
		}
	}

	need := 1 - b.limiter.TokensAt(now)
	wait := time.Duration(need / l.cfg.Rate * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	return Result{RetryAfter: wait.Round(time.Second)}
}

// Limit returns the sustained rate in tokens per second
func (l *Limiter) Limit() float64 {
	return l.cfg.Rate
}

// Len reports how many keys are tracked
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += s.buckets.Len()
		s.mu.Unlock()
	}
	return n
}

// Sweep drops buckets idle for longer than IdleTTL and returns how many were removed
func (l *Limiter) Sweep() int {
	cutoff := l.clock.Now().Add(-l.cfg.IdleTTL)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for {
			// LRU order is lastSeen order, so stop at the first fresh bucket.
			_, b, ok := s.buckets.GetOldest()
			if !ok || !b.lastSeen.Before(cutoff) {
				break
			}
			s.buckets.RemoveOldest()
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps idle buckets every SweepInterval until ctx is done
func (l *Limiter) Run(ctx context.Context) {
	interval := l.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
