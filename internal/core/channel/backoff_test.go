package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_DelayGrowsExponentially(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, time.Second, policy.Delay(0))
	assert.Equal(t, 2*time.Second, policy.Delay(1))
	assert.Equal(t, 4*time.Second, policy.Delay(2))
	assert.Equal(t, 8*time.Second, policy.Delay(3))
}

func TestRetryPolicy_DelayCapsAtMax(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, 30*time.Second, policy.Delay(10))
	assert.Equal(t, 30*time.Second, policy.Delay(100), "huge attempt counts must not overflow")
}

func TestRetryPolicy_JitterStaysWithinBounds(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
	}

	for attempts := 0; attempts < 8; attempts++ {
		for i := 0; i < 50; i++ {
			d := policy.Delay(attempts)
			base := time.Second * time.Duration(1<<attempts)
			if base > 30*time.Second {
				base = 30 * time.Second
			}
			assert.GreaterOrEqual(t, d, base, "jitter only adds delay")
			assert.LessOrEqual(t, float64(d), float64(base)*1.3, "jitter adds at most 30%%")
		}
	}
}

func TestRetryPolicy_DegenerateInputs(t *testing.T) {
	assert.GreaterOrEqual(t, RetryPolicy{}.Delay(-5), time.Duration(0),
		"zero policy and negative attempts must not panic or go negative")

	policy := RetryPolicy{BaseDelay: time.Second, BackoffMultiplier: 2.0}
	assert.Equal(t, policy.Delay(0), policy.Delay(-1), "negative attempts clamp to zero")

	noMultiplier := RetryPolicy{BaseDelay: time.Second}
	assert.Equal(t, time.Second, noMultiplier.Delay(4), "zero multiplier behaves as constant delay")
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.BaseDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)
	assert.Equal(t, 2.0, policy.BackoffMultiplier)
	assert.True(t, policy.JitterEnabled)
}
