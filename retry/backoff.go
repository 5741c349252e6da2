package retry

import (
	"math/rand"
	"time"
)

// JitterStrategy defines the jitter applied to retry delays.
type JitterStrategy string

const (
	JitterNone JitterStrategy = "NONE"
	JitterFull JitterStrategy = "FULL"
)

// BackoffConfig controls exponential backoff between retries.
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BackoffRate float64
	Jitter      JitterStrategy
}

// DefaultBackoff is the backoff applied when a node does not configure one.
var DefaultBackoff = BackoffConfig{
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	BackoffRate: 2.0,
	Jitter:      JitterFull,
}

// Delay computes the backoff delay for a zero-based attempt number.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = DefaultBackoff.BaseDelay
	}
	rate := c.BackoffRate
	if rate <= 1 {
		rate = DefaultBackoff.BackoffRate
	}
	max := c.MaxDelay
	if max <= 0 {
		max = DefaultBackoff.MaxDelay
	}

	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= rate
		if delay >= float64(max) {
			delay = float64(max)
			break
		}
	}
	d := time.Duration(delay)
	if c.Jitter == JitterFull {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}
