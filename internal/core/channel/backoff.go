package channel

import (
	"math"
	"math/rand"
	"time"
)

// jitterFraction bounds the random extra delay added when jitter is on.
const jitterFraction = 0.3

// RetryPolicy configures exponential backoff for message retries and
// connection re-establishment. Immutable for the life of a channel.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterEnabled     bool
}

// DefaultRetryPolicy returns the stock policy: five attempts, 1s base delay
// doubling up to 30s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
	}
}

// Delay computes the backoff delay for the given attempt count:
// min(base * multiplier^attempts, max), plus up to 30% uniform jitter when
// enabled. Pure function; never negative, never panics.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	base := float64(p.BaseDelay)
	if base < 0 {
		base = 0
	}

	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := base * math.Pow(multiplier, float64(attempts))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterEnabled {
		delay *= 1 + rand.Float64()*jitterFraction
	}

	if delay > float64(math.MaxInt64) {
		delay = float64(math.MaxInt64)
	}

	return time.Duration(delay)
}
