// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func always(error) bool { return true }

func fast() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	result, err := Do(context.Background(), fast(), always, func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fast(), always, func(context.Context, int) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	permanent := errors.New("404")
	calls := 0
	_, err := Do(context.Background(), fast(), func(err error) bool { return err != permanent },
		func(context.Context, int) error {
			calls++
			return permanent
		})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_BudgetBoundsElapsedTime(t *testing.T) {
	cfg := Config{
		Budget:         30 * time.Millisecond,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  1,
	}
	result, err := Do(context.Background(), cfg, always, func(context.Context, int) error {
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Less(t, result.Elapsed, 100*time.Millisecond)
	assert.Greater(t, result.Attempts, 1)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, fast(), always, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, ClusterBringUp().Validate())
	assert.NoError(t, ThreeAttempts().Validate())
	assert.ErrorIs(t, Config{InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffFactor: 2}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{MaxAttempts: 1}.Validate(), ErrInvalidConfig)
}
