package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRateLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Clock = clock
	cfg.CleanupInterval = time.Hour
	rl := NewRateLimiter(cfg, nil)
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl, _ := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 10})

	if rl.burst != 1 {
		t.Errorf("burst = %d, want 1", rl.burst)
	}
	if rl.maxEntries != DefaultRateLimitMaxEntries {
		t.Errorf("maxEntries = %d, want %d", rl.maxEntries, DefaultRateLimitMaxEntries)
	}
	if rl.idle != DefaultRateLimitIdleTimeout {
		t.Errorf("idle = %v, want %v", rl.idle, DefaultRateLimitIdleTimeout)
	}
	if rl.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, clock := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		if !rl.Allow("client") {
			t.Fatalf("Allow() request %d denied within burst", i+1)
		}
	}
	if rl.Allow("client") {
		t.Fatal("Allow() permitted a request past the burst")
	}

	if !rl.Allow("other") {
		t.Error("Allow() denied an independent identifier")
	}

	clock.Advance(time.Second)
	if !rl.Allow("client") {
		t.Error("Allow() denied a request after the bucket refilled")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl, _ := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxEntries: 2})

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("a")
	rl.Allow("c")

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}

	// "b" was least recently used, so it was evicted and gets a fresh bucket
	if !rl.Allow("b") {
		t.Error("Allow(b) denied after eviction")
	}
	// admitting "b" again pushed out "a"
	stats = rl.GetStats()
	if stats.TotalEvictions != 2 {
		t.Errorf("TotalEvictions = %d, want 2", stats.TotalEvictions)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl, clock := newTestRateLimiter(t, RateLimitConfig{
		RequestsPerSecond: 10,
		Burst:             10,
		IdleTimeout:       time.Minute,
	})

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}

	clock.Advance(30 * time.Second)
	rl.Allow("fresh")

	clock.Advance(45 * time.Second)
	rl.Cleanup()

	stats := rl.GetStats()
	if stats.CurrentEntries != 1 {
		t.Errorf("CurrentEntries = %d, want 1", stats.CurrentEntries)
	}
	if stats.TotalCleanups != 1 {
		t.Errorf("TotalCleanups = %d, want 1", stats.TotalCleanups)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1}, nil)
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl, _ := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000, MaxEntries: 50})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rl.Allow(fmt.Sprintf("id-%d-%d", n, j%10))
			}
		}(i)
	}
	wg.Wait()

	if got := rl.GetStats().CurrentEntries; got > 50 {
		t.Errorf("CurrentEntries = %d, exceeds MaxEntries 50", got)
	}
}
