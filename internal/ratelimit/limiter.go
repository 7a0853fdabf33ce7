// Package ratelimit provides per-key token bucket rate limiting for the
// streaming endpoints. Keys are public API keys, or client addresses for
// anonymous callers.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// RequestsPerSecond is the sustained rate allowed per key.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second,omitempty"`
	// Burst is the number of requests a fresh key may send at once.
	Burst int `yaml:"burst" json:"burst,omitempty"`
	// IdleTTL evicts keys that sent nothing for this long.
	IdleTTL time.Duration `yaml:"idle_ttl" json:"idle_ttl,omitempty"`
	// MaxKeys bounds the number of tracked keys.
	MaxKeys int `yaml:"max_keys" json:"max_keys,omitempty"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		RequestsPerSecond: 5,
		Burst:             10,
		IdleTTL:           10 * time.Minute,
		MaxKeys:           10000,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = int(math.Max(1, math.Ceil(c.RequestsPerSecond*2)))
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = defaults.IdleTTL
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = defaults.MaxKeys
	}
	return c
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the number of whole tokens left after this call.
	Remaining int
	// RetryAfter is how long until one token is available. Zero when
	// Allowed.
	RetryAfter time.Duration
}

// bucket is a token bucket. Callers hold Limiter.mu.
type bucket struct {
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

func (b *bucket) refill(now time.Time, rate, burst float64) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(burst, b.tokens+elapsed*rate)
	}
	b.last = now
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	buckets map[string]*bucket
	now     func() time.Time
}

// NewLimiter creates a limiter. A disabled config allows everything.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		config:  config.withDefaults(),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Enabled reports whether the limiter enforces limits.
func (l *Limiter) Enabled() bool {
	return l != nil && l.config.Enabled
}

// Allow consumes one token for key.
func (l *Limiter) Allow(key string) Decision {
	if !l.Enabled() {
		return Decision{Allowed: true, Remaining: math.MaxInt32}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rate := l.config.RequestsPerSecond
	burst := float64(l.config.Burst)

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.config.MaxKeys {
			l.evictLocked(now)
		}
		b = &bucket{tokens: burst, last: now}
		l.buckets[key] = b
	}
	b.refill(now, rate, burst)
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}
	}
	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	return Decision{Allowed: false, RetryAfter: wait}
}

// evictLocked drops idle keys. When none are idle the least recently seen
// key goes, so the map never exceeds MaxKeys.
func (l *Limiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.config.IdleTTL {
			delete(l.buckets, key)
			continue
		}
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey, oldest = key, b.lastSeen
		}
	}
	if len(l.buckets) >= l.config.MaxKeys && oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}

// Prune drops keys idle for longer than IdleTTL and returns how many were
// removed.
func (l *Limiter) Prune() int {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.config.IdleTTL {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
