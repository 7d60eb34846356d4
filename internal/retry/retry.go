// Package retry provides common retry logic with exponential backoff for kvsync.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxAttempts   uint64        `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	JitterPercent uint64        `yaml:"jitter_percent"`
}

// PostgreSQLDefaults returns sensible defaults for PostgreSQL connection attempts
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// SourceDefaults returns sensible defaults for change source (Redis, etcd) connection attempts
func SourceDefaults() *Config {
	return &Config{
		MaxAttempts:   15, // sources can take longer to recover
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      1 * time.Minute,
		JitterPercent: 15,
	}
}

// WriterDefaults returns the in-writer retry budget for transient statement failures.
// The connector retries the whole batch on top of it.
func WriterDefaults() *Config {
	return &Config{
		MaxAttempts:   3,
		BaseDelay:     50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		JitterPercent: 10,
	}
}

// ConnectorDefaults returns the connector level budget used by the Retrying state
func ConnectorDefaults() *Config {
	return &Config{
		MaxAttempts:   5,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// Classifier reports whether an error is transient and worth another attempt
type Classifier func(error) bool

// Always treats every error as transient
func Always(error) bool { return true }

// WithOperation performs a general operation with retry logic
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	return WithClassifier(ctx, config, func(context.Context) error { return operation() }, operationName, Always)
}

// WithClassifier performs an operation and retries only errors the classifier
// reports as transient. Terminal errors are returned immediately.
func WithClassifier(ctx context.Context, config *Config, operation func(context.Context) error, operationName string, transient Classifier) error {
	backoff := config.CreateBackoff()
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := operation(ctx)
		if err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}
		logrus.WithError(err).
			WithField("operation", operationName).
			WithField("attempt", attempt).
			Warn("Operation failed, retrying...")
		return retry.RetryableError(err)
	})
}

// CreateBackoff creates a reusable backoff strategy from config
func (c *Config) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	return backoff
}

// WithDefaults fills zero fields from defaults
func (c *Config) WithDefaults(defaults *Config) *Config {
	out := *defaults
	if c == nil {
		return &out
	}
	if c.MaxAttempts > 0 {
		out.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		out.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		out.MaxDelay = c.MaxDelay
	}
	if c.JitterPercent > 0 {
		out.JitterPercent = c.JitterPercent
	}
	return &out
}
