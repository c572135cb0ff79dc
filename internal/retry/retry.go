// Package retry provides a small exponential-backoff retry loop used by
// the tracker's announce scheduling.
package retry

import (
	"context"
	"time"
)

// Operation is a unit of work that may be retried.
type Operation func(ctx context.Context) error

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	OnRetry      func(attempt int, err error, delay time.Duration)
	RetryIf      func(err error) bool
}

// Option mutates a Config.
type Option func(*Config)

func WithMaxAttempts(n int) Option { return func(c *Config) { c.MaxAttempts = n } }

func WithInitialDelay(d time.Duration) Option { return func(c *Config) { c.InitialDelay = d } }

func WithMaxDelay(d time.Duration) Option { return func(c *Config) { c.MaxDelay = d } }

func WithMultiplier(m float64) Option { return func(c *Config) { c.Multiplier = m } }

func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

func WithRetryIf(fn func(err error) bool) Option { return func(c *Config) { c.RetryIf = fn } }

func defaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}
}

// Do runs op, retrying with exponential backoff until it succeeds, the
// context is cancelled, MaxAttempts is exhausted, or RetryIf rejects the
// error.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	var err error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := calculateDelay(delay, attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = wait
	}

	return err
}

func calculateDelay(prev time.Duration, attempt int, cfg Config) time.Duration {
	if attempt == 1 {
		return cfg.InitialDelay
	}
	d := time.Duration(float64(prev) * cfg.Multiplier)
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// WithExponentialBackoff is a convenience bundle of options for the common
// "retry forever within attempts, cap at max" shape.
func WithExponentialBackoff(initial, max time.Duration, attempts int) []Option {
	return []Option{
		WithInitialDelay(initial),
		WithMaxDelay(max),
		WithMaxAttempts(attempts),
		WithMultiplier(2.0),
	}
}

// WithLinearBackoff is a convenience bundle for a fixed-interval retry.
func WithLinearBackoff(interval time.Duration, attempts int) []Option {
	return []Option{
		WithInitialDelay(interval),
		WithMaxDelay(interval),
		WithMaxAttempts(attempts),
		WithMultiplier(1.0),
	}
}
