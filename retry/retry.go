// SPDX-License-Identifier: LGPL-3.0-or-later

// Package retry provides exponential backoff with jitter for transient
// copier and transport failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"backupvault/logger"
)

// Config controls backoff shape and retry bounds.
type Config struct {
	MaxAttempts  int           // default 3
	InitialDelay time.Duration // default 1s
	MaxDelay     time.Duration // default 30s
	Multiplier   float64       // default 2.0
	Jitter       bool          // default true
}

// DefaultConfig returns the standard backoff used by copiers.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Operation is a unit of work that may fail transiently.
type Operation func(ctx context.Context, attempt int) error

// Retryer executes an Operation with exponential backoff.
type Retryer struct {
	config *Config
	log    logger.Logger
}

func New(config *Config, log logger.Logger) *Retryer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config, log: log}
}

// Do runs operation, retrying on classified-retryable errors.
func (r *Retryer) Do(ctx context.Context, operation Operation, name string) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		default:
		}

		err := operation(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				r.log.Info("operation succeeded after retry", "operation", name, "attempt", attempt)
			}
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			r.log.Warn("operation failed with non-retryable error", "operation", name, "attempt", attempt, "error", err)
			return fmt.Errorf("%s (attempt %d/%d): %w", name, attempt, r.config.MaxAttempts, err)
		}

		if attempt >= r.config.MaxAttempts {
			r.log.Error("operation failed after max attempts", "operation", name, "attempts", r.config.MaxAttempts, "error", err)
			return fmt.Errorf("%s failed after %d attempts: %w", name, r.config.MaxAttempts, err)
		}

		delay := r.calculateDelay(attempt)
		r.log.Warn("operation failed, retrying", "operation", name, "attempt", attempt, "max_attempts", r.config.MaxAttempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, r.config.MaxAttempts, lastErr)
}

func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += delay * 0.25 * rand.Float64()
	}
	return time.Duration(delay)
}

var networkPatterns = []string{
	"connection refused", "connection reset", "connection timeout",
	"network unreachable", "no such host", "temporary failure",
	"timeout", "TLS handshake timeout", "i/o timeout", "broken pipe", "EOF",
}

var servicePatterns = []string{
	"500 Internal Server Error", "502 Bad Gateway", "503 Service Unavailable",
	"504 Gateway Timeout", "429 Too Many Requests", "RequestTimeout",
	"ServiceUnavailable", "InternalError", "SlowDown", "ThrottlingException",
	"RequestLimitExceeded", "ProvisionedThroughputExceededException", "TooManyRequests",
}

// IsRetryable classifies err by matching against known transient network
// and cloud-service error substrings. Explicit Retryable/NonRetryable
// wrappers always take precedence.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var nre *NonRetryableError
	if errors.As(err, &nre) {
		return false
	}

	msg := err.Error()
	for _, p := range networkPatterns {
		if strings.Contains(strings.ToLower(msg), strings.ToLower(p)) {
			return true
		}
	}
	for _, p := range servicePatterns {
		if strings.Contains(strings.ToLower(msg), strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// RetryableError forces a classification of retryable regardless of message.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// NonRetryableError forces a classification of fatal regardless of message.
type NonRetryableError struct{ Err error }

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// Do runs operation with the default backoff configuration.
func Do(ctx context.Context, operation Operation, name string, log logger.Logger) error {
	return New(DefaultConfig(), log).Do(ctx, operation, name)
}
