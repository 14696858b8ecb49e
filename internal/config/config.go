// Package config loads channel configuration from a YAML file.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/oddsync/oddsync/internal/core/channel"
)

// Duration wraps time.Duration so YAML accepts "500ms"-style strings as
// well as integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the on-disk configuration for one channel instance.
type Config struct {
	Endpoint     string   `yaml:"endpoint"`
	Transport    string   `yaml:"transport"` // websocket (default) or quic
	LogLevel     string   `yaml:"log_level"`
	MaxQueueSize int      `yaml:"max_queue_size"`
	DedupeWindow Duration `yaml:"dedupe_window"`
	Retry        Retry    `yaml:"retry"`
}

// Retry mirrors channel.RetryPolicy in YAML form.
type Retry struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	BaseDelay         Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	Jitter            *bool    `yaml:"jitter"` // defaults to true
}

// Default returns the stock configuration.
func Default() Config {
	policy := channel.DefaultRetryPolicy()
	return Config{
		Transport:    "websocket",
		LogLevel:     "info",
		MaxQueueSize: 1000,
		Retry: Retry{
			MaxAttempts:       policy.MaxAttempts,
			BaseDelay:         Duration(policy.BaseDelay),
			MaxDelay:          Duration(policy.MaxDelay),
			BackoffMultiplier: policy.BackoffMultiplier,
		},
	}
}

// Load reads and validates a YAML config file. Missing fields keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to read config file")
	}

	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to parse config file")
	}

	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the fields a typo is most likely to break.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	switch c.Transport {
	case "websocket", "quic":
	default:
		return errors.Errorf("unknown transport %q", c.Transport)
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must not be negative")
	}
	if c.Retry.BackoffMultiplier < 0 {
		return errors.New("retry.backoff_multiplier must not be negative")
	}
	return nil
}

// Channel converts the file form into a channel.Config.
func (c Config) Channel() channel.Config {
	jitter := true
	if c.Retry.Jitter != nil {
		jitter = *c.Retry.Jitter
	}

	cfg := channel.DefaultConfig()
	cfg.Endpoint = c.Endpoint
	cfg.MaxQueueSize = c.MaxQueueSize
	cfg.DedupeWindow = c.DedupeWindow.Std()
	cfg.Retry = channel.RetryPolicy{
		MaxAttempts:       c.Retry.MaxAttempts,
		BaseDelay:         c.Retry.BaseDelay.Std(),
		MaxDelay:          c.Retry.MaxDelay.Std(),
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		JitterEnabled:     jitter,
	}
	return cfg
}
