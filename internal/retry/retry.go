// Package retry provides retry logic with exponential backoff for books_bridge.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// PostgreSQLDefaults returns defaults for connecting to PostgreSQL
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// EtcdDefaults returns defaults for etcd operations
func EtcdDefaults() *Config {
	return &Config{
		MaxAttempts:   15, // etcd can take longer to recover
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      1 * time.Minute,
		JitterPercent: 15,
	}
}

// StatementDefaults returns short defaults for single statements inside a request
func StatementDefaults() *Config {
	return &Config{
		MaxAttempts:   3,
		BaseDelay:     50 * time.Millisecond,
		MaxDelay:      1 * time.Second,
		JitterPercent: 10,
	}
}

// WithOperation retries operation on every error
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	return WithClassifier(ctx, config, operation, operationName, func(error) bool { return true })
}

// WithClassifier retries operation while retryable reports the error as transient.
// Other errors are returned at once.
func WithClassifier(ctx context.Context, config *Config, operation func() error, operationName string, retryable func(error) bool) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		logrus.WithError(err).
			WithField("operation", operationName).
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
