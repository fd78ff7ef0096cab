package notification

import (
	"math"
	"math/rand"
	"time"

	"github.com/huangang/repoflow/internal/config"
)

// RetryPolicy bounds a delivery chain. Attempt n (1-based) that fails is
// retried after min(MaxDelay, InitialDelay * Multiplier^(n-1)).
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay uniformly over [delay/2, delay].
	Jitter bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
		Jitter:       true,
	}
}

// RetryPolicyFromConfig fills unset fields from DefaultRetryPolicy.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelayMs > 0 {
		p.InitialDelay = time.Duration(cfg.InitialDelayMs) * time.Millisecond
	}
	if cfg.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	}
	if cfg.BackoffMultiplier >= 1 {
		p.Multiplier = cfg.BackoffMultiplier
	}
	p.Jitter = cfg.Jitter
	return p
}

// Delay returns the wait after failed attempt n. rnd supplies jitter in
// [0,1); nil uses math/rand.
func (p RetryPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		if rnd == nil {
			rnd = rand.Float64
		}
		d = d/2 + rnd()*d/2
	}
	return time.Duration(d)
}
