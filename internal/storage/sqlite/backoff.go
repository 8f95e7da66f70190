package sqlite

import (
	"math/rand"
	"strings"
	"time"
)

// BackoffConfig controls retry behavior for transient SQLite contention.
type BackoffConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64
}

// DefaultBackoff returns the default policy: 7 retries, 50ms base doubling
// each attempt, 25% jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		MaxRetries: 7,
		BaseDelay:  50 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// RetryBusy retries fn on "database is locked" errors with the default
// policy. Any other error returns immediately.
func RetryBusy(fn func() error) error {
	return retryBusy(DefaultBackoff(), fn, time.Sleep)
}

// RetryBusyWithConfig retries fn with a caller-supplied policy.
func RetryBusyWithConfig(cfg BackoffConfig, fn func() error) error {
	return retryBusy(cfg, fn, time.Sleep)
}

func retryBusy(cfg BackoffConfig, fn func() error, sleep func(time.Duration)) error {
	err := fn()
	for attempt := 1; attempt <= cfg.MaxRetries && isBusy(err); attempt++ {
		delay := cfg.BaseDelay << (attempt - 1)
		jitter := time.Duration(float64(delay) * rand.Float64() * cfg.JitterPct)
		sleep(delay + jitter)
		err = fn()
	}
	return err
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "database is locked")
}
