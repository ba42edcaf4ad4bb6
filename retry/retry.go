/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package retry provides bounded retry with backoff for remote hosting-API
// calls. Write operations against a hosting API fail transiently (rate
// limits, eventual consistency on fresh repositories, contended refs), so
// every retry here is bounded and classified: only errors the caller marks
// retryable are attempted again.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/chainguard-dev/clog"
)

// Backoff selects how the delay between attempts grows.
type Backoff int

const (
	// BackoffLinear waits BaseDelay multiplied by the attempt number
	// (1x, 2x, 3x, ...). Suited to short contended-write retries.
	BackoffLinear Backoff = iota
	// BackoffExponential doubles the delay each attempt, capped at MaxDelay.
	// Suited to rate-limit recovery.
	BackoffExponential
)

// Config configures retry behavior for a class of remote operations.
type Config struct {
	// MaxRetries is the number of retry attempts after the first try.
	// 0 means do not retry at all.
	MaxRetries int
	// BaseDelay is the initial backoff duration.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff. Zero means no cap.
	MaxDelay time.Duration
	// MaxJitter is the maximum random jitter added to each backoff.
	MaxJitter time.Duration
	// Backoff selects the growth curve.
	Backoff Backoff
}

// Validate checks that the retry configuration has valid values.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}
	if c.BaseDelay < 0 {
		return errors.New("base delay cannot be negative")
	}
	if c.MaxDelay < 0 {
		return errors.New("max delay cannot be negative")
	}
	if c.MaxJitter < 0 {
		return errors.New("max jitter cannot be negative")
	}
	return nil
}

// DefaultConfig returns the configuration used for blob and ref writes:
// three linear retries starting at half a second.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		MaxJitter:  100 * time.Millisecond,
		Backoff:    BackoffLinear,
	}
}

// Do executes fn with bounded retries. Only errors classified retryable by
// isRetryable are attempted again; everything else returns immediately.
// The context cancels the inter-attempt sleep.
func Do[T any](ctx context.Context, cfg Config, operation string, isRetryable func(error) bool, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		if isRetryable != nil && !isRetryable(lastErr) {
			return result, lastErr
		}

		if attempt >= cfg.MaxRetries {
			break
		}

		backoff := cfg.delay(attempt)

		clog.FromContext(ctx).With("operation", operation).
			With("attempt", attempt+1).
			With("max_retries", cfg.MaxRetries).
			With("backoff", backoff).
			With("error", lastErr.Error()).
			Warn("Transient failure, retrying")

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return result, fmt.Errorf("%s failed after %d retries: %w", operation, cfg.MaxRetries, lastErr)
}

// delay computes the backoff before retry number attempt+1.
func (c Config) delay(attempt int) time.Duration {
	var backoff time.Duration
	switch c.Backoff {
	case BackoffExponential:
		backoff = c.BaseDelay << attempt
	default:
		backoff = c.BaseDelay * time.Duration(attempt+1)
	}
	if c.MaxDelay > 0 && backoff > c.MaxDelay {
		backoff = c.MaxDelay
	}

	if c.MaxJitter > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(c.MaxJitter)))
		if err == nil {
			backoff += time.Duration(n.Int64())
		}
	}
	return backoff
}
