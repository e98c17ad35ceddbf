package ratelimit

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hirepilot/agentruns/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	cfg.Enabled = true
	l := NewLimiter(cfg)
	t.Cleanup(l.Stop)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.now = clock.Now
	return l, clock
}

func TestBucket_TakeAndRefill(t *testing.T) {
	start := time.Now()
	b := newBucket(10, 1.0, start)

	for i := 0; i < 10; i++ {
		assert.True(t, b.take(start), "request %d", i+1)
	}
	assert.False(t, b.take(start), "bucket should be empty")
	assert.Equal(t, time.Second, b.nextToken())

	later := start.Add(1100 * time.Millisecond)
	assert.True(t, b.take(later), "one token refilled")
	assert.False(t, b.take(later))
}

func TestBucket_FullAt(t *testing.T) {
	start := time.Now()
	b := newBucket(10, 1.0, start)
	for i := 0; i < 5; i++ {
		b.take(start)
	}

	assert.Equal(t, start.Add(5*time.Second), b.fullAt(start))

	b.refill(start.Add(time.Minute))
	assert.Equal(t, 10.0, b.tokens, "refill is capped at capacity")
	assert.Equal(t, start.Add(time.Minute), b.fullAt(start.Add(time.Minute)))
}

func TestLimiter_DefaultLimit(t *testing.T) {
	l, clock := newTestLimiter(t, Config{DefaultLimit: 3, DefaultWindow: time.Minute})

	for i := 0; i < 3; i++ {
		info := l.Allow("10.0.0.1", http.MethodGet, "/api/rex2/runs")
		require.True(t, info.Allowed, "request %d", i+1)
		assert.Equal(t, 3, info.Limit)
		assert.Equal(t, 2-i, info.Remaining)
	}

	info := l.Allow("10.0.0.1", http.MethodGet, "/api/rex2/runs")
	assert.False(t, info.Allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.InDelta(t, float64(20*time.Second), float64(info.RetryAfter), float64(time.Millisecond))

	// Other clients have their own bucket.
	assert.True(t, l.Allow("10.0.0.2", http.MethodGet, "/api/rex2/runs").Allowed)

	clock.Advance(21 * time.Second)
	assert.True(t, l.Allow("10.0.0.1", http.MethodGet, "/api/rex2/runs").Allowed)
}

func TestLimiter_DefaultBucketIsSharedAcrossPaths(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultLimit: 2, DefaultWindow: time.Minute})

	assert.True(t, l.Allow("c", http.MethodGet, "/a").Allowed)
	assert.True(t, l.Allow("c", http.MethodGet, "/b").Allowed)
	assert.False(t, l.Allow("c", http.MethodGet, "/c").Allowed)
}

func TestLimiter_RuleSpecific(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		Rules: []Rule{
			{Method: http.MethodPost, Path: "/api/rex2/runs/", Limit: 5, Window: time.Hour, Burst: 2},
		},
	})

	// Prefix rules share one bucket for every run id.
	assert.True(t, l.Allow("c", http.MethodPost, "/api/rex2/runs/a/start").Allowed)
	assert.True(t, l.Allow("c", http.MethodPost, "/api/rex2/runs/b/start").Allowed)
	info := l.Allow("c", http.MethodPost, "/api/rex2/runs/c/cancel")
	assert.False(t, info.Allowed)
	assert.Equal(t, 5, info.Limit)

	info = l.Allow("c", http.MethodGet, "/api/rex2/runs/a")
	assert.True(t, info.Allowed)
	assert.Equal(t, 1000, info.Limit)
}

func TestLimiter_Exempt(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultLimit: 1, DefaultWindow: time.Minute})

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("c", http.MethodGet, "/health").Allowed)
		assert.True(t, l.Allow("c", http.MethodPost, "/internal/rex2/runs/x/steps").Allowed)
	}
}

func TestLimiter_WhitelistAndBlacklist(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		DefaultLimit:  1,
		DefaultWindow: time.Minute,
		Whitelist:     map[string]bool{"127.0.0.1": true},
		Blacklist:     map[string]bool{"192.168.1.1": true},
	})

	for i := 0; i < 10; i++ {
		info := l.Allow("127.0.0.1", http.MethodGet, "/x")
		assert.True(t, info.Allowed)
		assert.Equal(t, 0, info.Limit)
	}
	assert.False(t, l.Allow("192.168.1.1", http.MethodGet, "/health").Allowed)
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(Config{DefaultLimit: 1, DefaultWindow: time.Minute})
	defer l.Stop()

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("c", http.MethodGet, "/x").Allowed)
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{DefaultLimit: 100, DefaultWindow: time.Minute})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("c", http.MethodGet, "/x").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed)
}

func TestLimiter_Sweep(t *testing.T) {
	l, clock := newTestLimiter(t, Config{DefaultLimit: 10, DefaultWindow: time.Minute, IdleTTL: time.Hour})

	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d", i), http.MethodGet, "/x")
	}
	clock.Advance(30 * time.Minute)
	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d", i), http.MethodGet, "/x")
	}
	clock.Advance(31 * time.Minute)

	assert.Equal(t, 5, l.sweep())
	assert.Len(t, l.buckets, 5)
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := NewLimiter(Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Minute, CleanupInterval: time.Millisecond})
	l.Stop()
	l.Stop()
}

func TestMatch(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		name     string
		method   string
		path     string
		wantPath string
		wantNil  bool
	}{
		{name: "create exact", method: http.MethodPost, path: "/api/rex2/runs", wantPath: "/api/rex2/runs"},
		{name: "start prefix", method: http.MethodPost, path: "/api/rex2/runs/1/start", wantPath: "/api/rex2/runs/"},
		{name: "list uses default", method: http.MethodGet, path: "/api/rex2/runs", wantNil: true},
		{name: "health exempt", method: http.MethodGet, path: "/health", wantPath: "/health"},
		{name: "internal exempt", method: http.MethodPost, path: "/internal/rex2/runs/1/fail", wantPath: "/internal/rex2/runs/1/fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(tt.method, tt.path, rules)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantPath, got.Path)
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.RateLimitConfig{
		Enabled:       true,
		DefaultLimit:  10,
		DefaultWindow: time.Second,
		Whitelist:     []string{" 10.0.0.1 ", ""},
	})

	assert.True(t, cfg.Enabled)
	assert.Equal(t, map[string]bool{"10.0.0.1": true}, cfg.Whitelist)
	assert.Empty(t, cfg.Blacklist)
	assert.Equal(t, DefaultRules(), cfg.Rules)
}
