package channel

import "time"

// Config configures a reliable message channel.
type Config struct {
	// Endpoint is the address handed to the Transport on every dial.
	Endpoint string

	// Retry governs both per-message backoff and reconnect scheduling.
	Retry RetryPolicy

	// MaxQueueSize bounds the queue. Beyond it, the lowest-priority oldest
	// entry is evicted silently.
	MaxQueueSize int

	// BatchSize caps the number of messages attempted per dispatch sweep.
	BatchSize int

	// InterMessageDelay spaces out sends within one sweep.
	InterMessageDelay time.Duration

	// FollowUpDelay schedules the next sweep when a batch fills up.
	FollowUpDelay time.Duration

	// SuccessGrace keeps a sent message visible briefly before removal.
	SuccessGrace time.Duration

	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration

	// DedupeWindow, when positive, suppresses enqueues whose type and
	// payload digest match one seen within the window. Zero disables it.
	DedupeWindow time.Duration
}

// DefaultConfig returns the stock channel configuration.
func DefaultConfig() Config {
	return Config{
		Retry:             DefaultRetryPolicy(),
		MaxQueueSize:      1000,
		BatchSize:         5,
		InterMessageDelay: 100 * time.Millisecond,
		FollowUpDelay:     time.Second,
		SuccessGrace:      1500 * time.Millisecond,
		ConnectTimeout:    10 * time.Second,
	}
}

// withDefaults fills zero values so a partially specified Config behaves.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if c.Retry.BackoffMultiplier <= 0 {
		c.Retry.BackoffMultiplier = d.Retry.BackoffMultiplier
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.InterMessageDelay <= 0 {
		c.InterMessageDelay = d.InterMessageDelay
	}
	if c.FollowUpDelay <= 0 {
		c.FollowUpDelay = d.FollowUpDelay
	}
	if c.SuccessGrace <= 0 {
		c.SuccessGrace = d.SuccessGrace
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	return c
}
