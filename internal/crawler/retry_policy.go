package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy bounds retry passes and spaces them with jittered backoff.
type ExponentialRetryPolicy struct {
	maxPasses int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialRetryPolicy builds a policy; non-positive values fall back to defaults.
func NewExponentialRetryPolicy(maxPasses int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxPasses <= 0 {
		maxPasses = 1
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	return &ExponentialRetryPolicy{
		maxPasses: maxPasses,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
	}
}

// ShouldRetry reports whether another pass should run after pass (0-based)
// left failed rows behind.
func (p *ExponentialRetryPolicy) ShouldRetry(failed int, pass int) bool {
	return failed > 0 && pass+1 < p.maxPasses
}

// Backoff returns the wait before the pass following pass.
func (p *ExponentialRetryPolicy) Backoff(pass int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(pass))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
