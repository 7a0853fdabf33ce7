// Package backoff computes retry delays for model invocations.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes exponential backoff with proportional jitter.
// MaxAttempts counts the first try; values below 2 disable retries.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
}

// DefaultPolicy is used when retries are enabled without explicit timings.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Initial:     250 * time.Millisecond,
		Max:         10 * time.Second,
		Factor:      2,
		Jitter:      0.1,
	}
}

// Enabled reports whether the policy allows a second attempt.
func (p Policy) Enabled() bool {
	return p.MaxAttempts > 1
}

// Delay returns the wait before the given retry (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with an explicit random value in [0,1).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
