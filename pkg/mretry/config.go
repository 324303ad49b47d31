// Package mretry provides the exponential-backoff-with-jitter
// configuration shared by the outbox publisher (§4.4) and the reaper's
// retry scheduler (§4.6).
package mretry

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Default tuning values, mirrored from the teacher's outbox retry config.
const (
	DefaultMaxRetries     = 10
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Minute
	DefaultJitterFactor   = 0.25

	// DLQInitialBackoff is used for dead-letter-bound retry paths, which
	// start with a longer initial delay than ordinary outbox rows.
	DLQInitialBackoff = 1 * time.Minute
)

// Config describes an exponential backoff schedule.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// DefaultMetadataOutboxConfig is the backoff schedule used by the outbox
// publisher for ordinary (non-DLQ-bound) rows.
func DefaultMetadataOutboxConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// DefaultDLQConfig is the backoff schedule used by the reaper when
// scheduling retries of tasks that have already failed once.
func DefaultDLQConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DLQInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// WithMaxRetries returns a copy of cfg with MaxRetries replaced.
func (c Config) WithMaxRetries(n int) Config {
	c.MaxRetries = n
	return c
}

// WithInitialBackoff returns a copy of cfg with InitialBackoff replaced.
func (c Config) WithInitialBackoff(d time.Duration) Config {
	c.InitialBackoff = d
	return c
}

// WithMaxBackoff returns a copy of cfg with MaxBackoff replaced.
func (c Config) WithMaxBackoff(d time.Duration) Config {
	c.MaxBackoff = d
	return c
}

// WithJitterFactor returns a copy of cfg with JitterFactor replaced.
func (c Config) WithJitterFactor(f float64) Config {
	c.JitterFactor = f
	return c
}

// ConfigValidationError reports why a Config failed Validate.
type ConfigValidationError struct {
	Field   string
	Message string
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("mretry: invalid %s: %s", e.Field, e.Message)
}

// Validate rejects configurations that cannot produce a sane backoff
// schedule.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return ConfigValidationError{Field: "MaxRetries", Message: "must be >= 1"}
	}

	if c.InitialBackoff <= 0 {
		return ConfigValidationError{Field: "InitialBackoff", Message: "must be > 0"}
	}

	if c.MaxBackoff <= 0 {
		return ConfigValidationError{Field: "MaxBackoff", Message: "must be > 0"}
	}

	if c.MaxBackoff < c.InitialBackoff {
		return ConfigValidationError{Field: "MaxBackoff", Message: "must be >= InitialBackoff"}
	}

	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return ConfigValidationError{Field: "JitterFactor", Message: "must be in range [0.0, 1.0]"}
	}

	return nil
}

// Backoff returns the delay before the attempt-th retry (1-indexed),
// exponential in attempt and bounded by MaxBackoff, with up to
// JitterFactor of random jitter added so retrying callers don't
// synchronize (thundering herd).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	raw := float64(c.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if raw > float64(c.MaxBackoff) {
		raw = float64(c.MaxBackoff)
	}

	jitter := raw * c.JitterFactor * rand.Float64()

	return time.Duration(raw + jitter)
}
