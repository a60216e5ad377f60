// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestCache_InMemory(t *testing.T) {
	c, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, 7, "line one\nline two\n"))
	require.NoError(t, c.Put(ctx, 8, "other"))
	log, ok, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "line one\nline two\n", log)

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCache_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, 42, "persisted"))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	c, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer c.Close()
	log, ok, err := c.Get(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "persisted", log)
}

func TestCache_CancelledContext(t *testing.T) {
	c, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Put(ctx, 1, "x"), context.Canceled)
	_, _, err = c.Get(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
