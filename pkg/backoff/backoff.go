// Package backoff decides retry timing and terminal failure for delivery attempts.
package backoff

import (
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultJitterFraction = 0.2
)

// Policy is a stateless retry policy. The zero value is usable after
// Normalize and applies safe bounded defaults; it never allows infinite
// retries.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64
}

// DefaultPolicy returns the broker-wide default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFraction: DefaultJitterFraction,
	}
}

// Normalize applies defaults to unset or invalid fields.
func (p *Policy) Normalize() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		p.JitterFraction = DefaultJitterFraction
	}
}

// NextAttempt returns the delay before retrying after the given failed
// attempt number (1-based). The delay grows exponentially up to MaxBackoff
// plus randomized jitter so retries against the same worker spread out.
func (p Policy) NextAttempt(attempt int) time.Duration {
	p.Normalize()

	backoff := p.InitialBackoff
	for idx := 1; idx < attempt; idx++ {
		if backoff >= p.MaxBackoff/2 {
			backoff = p.MaxBackoff
			break
		}
		backoff *= 2
	}
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}

	if p.JitterFraction > 0 {
		jitterWindow := float64(backoff) * p.JitterFraction
		backoff += time.Duration(rand.Float64() * jitterWindow)
	}
	return backoff
}

// IsTerminal reports whether the given attempt count has exhausted the policy.
func (p Policy) IsTerminal(attempt int) bool {
	p.Normalize()
	return attempt >= p.MaxAttempts
}
