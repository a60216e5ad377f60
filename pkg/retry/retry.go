// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry runs an operation with exponential backoff and jitter.
//
// Two limits bound a retry loop: MaxAttempts and Budget (total wall time).
// Either may be zero to disable it, but not both. The caller decides which
// errors are worth retrying; everything else returns immediately.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrInvalidConfig is returned by Validate for unusable configurations.
var ErrInvalidConfig = errors.New("invalid retry config")

// Config configures a retry loop.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Zero means unlimited (Budget must then be set).
	MaxAttempts int

	// Budget bounds the total elapsed time including waits. Zero means
	// unlimited (MaxAttempts must then be set).
	Budget time.Duration

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after every retry.
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of the wait (0-1).
	JitterFactor float64
}

// ClusterBringUp is the policy for transient cluster-initialization
// errors: retry for at most 5 seconds.
func ClusterBringUp() Config {
	return Config{
		Budget:         5 * time.Second,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// ThreeAttempts is the policy for REST calls: 3 attempts, 1s initial wait.
func ThreeAttempts() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 0, c.Budget < 0:
		return ErrInvalidConfig
	case c.MaxAttempts == 0 && c.Budget == 0:
		return ErrInvalidConfig
	case c.InitialBackoff <= 0, c.MaxBackoff < c.InitialBackoff:
		return ErrInvalidConfig
	case c.BackoffFactor < 1.0, c.JitterFactor < 0, c.JitterFactor > 1:
		return ErrInvalidConfig
	}
	return nil
}

// Result describes a finished retry loop.
type Result struct {
	// Attempts is the number of times fn ran.
	Attempts int

	// Elapsed is the total time spent including waits.
	Elapsed time.Duration
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Do runs fn until it succeeds, returns an error retryable rejects, or a
// limit is reached.
//
// # Inputs
//
//   - ctx: cancels waits between attempts.
//   - cfg: limits and backoff shape. Must pass Validate.
//   - retryable: reports whether an error deserves another attempt.
//   - fn: the operation.
//
// # Outputs
//
//   - Result: attempts made and time spent.
//   - error: nil on success, otherwise the last error from fn, or ctx's
//     error if cancelled while waiting.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn Func) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	backoff := cfg.InitialBackoff
	var result Result

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			result.Elapsed = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil || !retryable(err) {
			result.Elapsed = time.Since(start)
			return result, err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			result.Elapsed = time.Since(start)
			return result, err
		}

		wait := jittered(backoff, cfg.JitterFactor)
		if cfg.Budget > 0 && time.Since(start)+wait > cfg.Budget {
			result.Elapsed = time.Since(start)
			return result, err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Elapsed = time.Since(start)
			return result, ctx.Err()
		case <-timer.C:
		}

		backoff = next(backoff, cfg.BackoffFactor, cfg.MaxBackoff)
	}
}

// jittered spreads base over [base*(1-j), base*(1+j)].
func jittered(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func next(current time.Duration, factor float64, maxBackoff time.Duration) time.Duration {
	n := time.Duration(float64(current) * factor)
	if n > maxBackoff {
		return maxBackoff
	}
	return n
}
