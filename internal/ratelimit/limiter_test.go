package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(config Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := NewLimiter(config)
	l.now = clock.now
	return l, clock
}

func TestLimiterBurstAndRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{Enabled: true, RequestsPerSecond: 2, Burst: 3})

	for i := 0; i < 3; i++ {
		if d := l.Allow("key"); !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	d := l.Allow("key")
	if d.Allowed {
		t.Fatal("request after burst should be denied")
	}
	if d.RetryAfter != 500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 500ms", d.RetryAfter)
	}

	clock.advance(500 * time.Millisecond)
	if d := l.Allow("key"); !d.Allowed {
		t.Error("one token should be back after 500ms")
	}

	clock.advance(time.Hour)
	if d := l.Allow("key"); !d.Allowed || d.Remaining != 2 {
		t.Errorf("decision = %+v, want refill capped at burst", d)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{Enabled: true, RequestsPerSecond: 1, Burst: 1})

	if !l.Allow("a").Allowed || !l.Allow("b").Allowed {
		t.Fatal("first request per key should pass")
	}
	if l.Allow("a").Allowed {
		t.Error("a should be limited")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l, _ := newTestLimiter(Config{Enabled: false, RequestsPerSecond: 1, Burst: 1})
	for i := 0; i < 100; i++ {
		if !l.Allow("key").Allowed {
			t.Fatal("disabled limiter must allow everything")
		}
	}
	if l.Len() != 0 {
		t.Errorf("disabled limiter tracked %d keys", l.Len())
	}

	var nilLimiter *Limiter
	if nilLimiter.Enabled() {
		t.Error("nil limiter reports enabled")
	}
}

func TestLimiterEviction(t *testing.T) {
	l, clock := newTestLimiter(Config{Enabled: true, RequestsPerSecond: 1, Burst: 1, MaxKeys: 3, IdleTTL: time.Minute})

	for i := 0; i < 3; i++ {
		l.Allow(fmt.Sprintf("k%d", i))
		clock.advance(time.Second)
	}
	l.Allow("k3")
	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want MaxKeys", l.Len())
	}
	if !l.Allow("k0").Allowed {
		t.Error("k0 was evicted and should start with a full bucket")
	}

	clock.advance(2 * time.Minute)
	if removed := l.Prune(); removed != 3 {
		t.Errorf("Prune() = %d, want 3", removed)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{RequestsPerSecond: 0.2}.withDefaults()
	if c.Burst != 1 {
		t.Errorf("Burst = %d, want at least 1", c.Burst)
	}
	if c.IdleTTL != DefaultConfig().IdleTTL || c.MaxKeys != DefaultConfig().MaxKeys {
		t.Errorf("defaults not applied: %+v", c)
	}
}
