package channel

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig controls the reconnect backoff
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64       // randomization factor, 0 disables jitter
	StableAfter time.Duration // uptime after which the backoff resets to BaseDelay
}

// DefaultRetryConfig returns the reconnect policy used when none is configured
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
		StableAfter: 10 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	if c.StableAfter <= 0 {
		c.StableAfter = d.StableAfter
	}
	return c
}

// retryPolicy is owned by a single connection goroutine and is not thread-safe
type retryPolicy struct {
	config  RetryConfig
	backoff *backoff.ExponentialBackOff
}

func newRetryPolicy(config RetryConfig) *retryPolicy {
	config = config.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.BaseDelay
	b.MaxInterval = config.MaxDelay
	b.Multiplier = config.Multiplier
	b.RandomizationFactor = config.Jitter
	b.Reset()

	return &retryPolicy{config: config, backoff: b}
}

// Next returns the delay before the next attempt, never above MaxDelay
func (p *retryPolicy) Next() time.Duration {
	d := p.backoff.NextBackOff()
	if d > p.config.MaxDelay {
		d = p.config.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// ConnectionEnded resets the schedule when the connection stayed up long enough
func (p *retryPolicy) ConnectionEnded(uptime time.Duration) {
	if uptime >= p.config.StableAfter {
		p.backoff.Reset()
	}
}
