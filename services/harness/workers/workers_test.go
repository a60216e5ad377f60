// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/services/harness/client/clienttest"
)

func stats(pending, done, threads int64) resp.Reply {
	return resp.Array(
		resp.Bulk("totalPendingJobs"), resp.Int(pending),
		resp.Bulk("totalJobsDone"), resp.Int(done),
		resp.Bulk("numThreadsAlive"), resp.Int(threads),
	)
}

func TestParseStats(t *testing.T) {
	s, err := ParseStats(resp.Map(
		resp.KV("totalPendingJobs", resp.Int(3)),
		resp.KV("totalJobsDone", resp.Int(10)),
		resp.KV("numThreadsAlive", resp.Int(4)),
	))
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 3, Done: 10, Threads: 4}, s)

	_, err = ParseStats(resp.Array(resp.Bulk("totalPendingJobs"), resp.Int(1)))
	assert.Error(t, err)
}

func TestWithPaused_ResumesOnError(t *testing.T) {
	fake := clienttest.New()
	d := New(clienttest.Executors(fake), nil)
	boom := errors.New("boom")
	err := d.WithPaused(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, [][]string{
		{"FT.DEBUG", "WORKERS", "PAUSE"},
		{"FT.DEBUG", "WORKERS", "RESUME"},
	}, fake.Calls())
}

func TestWithPaused_ResumesOnPanic(t *testing.T) {
	fake := clienttest.New()
	d := New(clienttest.Executors(fake), nil)
	assert.Panics(t, func() {
		_ = d.WithPaused(context.Background(), func(context.Context) error { panic("oops") })
	})
	assert.Len(t, fake.CallsMatching("FT.DEBUG WORKERS RESUME"), 1)
}

func TestWithPaused_JoinsResumeError(t *testing.T) {
	fake := clienttest.New().Fail("FT.DEBUG WORKERS RESUME", "ERR no")
	d := New(clienttest.Executors(fake), nil)
	err := d.WithPaused(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resume workers")
}

func TestWithPaused_UndoesPartialPause(t *testing.T) {
	first := clienttest.New()
	second := clienttest.New().Fail("FT.DEBUG WORKERS PAUSE", "ERR shard busy")
	d := New(clienttest.Executors(first, second), nil)

	called := false
	err := d.WithPaused(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint 1")
	assert.False(t, called)

	assert.Equal(t, [][]string{
		{"FT.DEBUG", "WORKERS", "PAUSE"},
		{"FT.DEBUG", "WORKERS", "RESUME"},
	}, first.Calls())
	assert.Empty(t, second.CallsMatching("FT.DEBUG WORKERS RESUME"))
}

func TestBarriers_Idempotent(t *testing.T) {
	fake := clienttest.New()
	d := New(clienttest.Executors(fake), nil)
	ctx := context.Background()

	require.NoError(t, d.PauseOnScannedDocs(ctx, 5))
	require.NoError(t, d.PauseOnScannedDocs(ctx, 5))
	require.NoError(t, d.PauseBeforeScan(ctx))
	require.NoError(t, d.PauseBeforeScan(ctx))
	assert.Len(t, fake.CallsMatching("FT.DEBUG BG_SCAN_CONTROLLER SET_PAUSE_ON_SCANNED_DOCS"), 1)
	assert.Len(t, fake.CallsMatching("FT.DEBUG BG_SCAN_CONTROLLER SET_PAUSE_BEFORE_SCAN"), 1)

	require.NoError(t, d.ResumeScan(ctx))
	require.NoError(t, d.PauseOnScannedDocs(ctx, 5))
	assert.Len(t, fake.CallsMatching("FT.DEBUG BG_SCAN_CONTROLLER SET_PAUSE_ON_SCANNED_DOCS"), 2)

	assert.Error(t, d.PauseOnScannedDocs(ctx, 0))
}

func TestWaitForScanStatus(t *testing.T) {
	fake := clienttest.New().Sequence("FT.DEBUG BG_SCAN_CONTROLLER GET_DEBUG_SCANNER_STATUS",
		resp.Bulk("SCANNING"), resp.Bulk("PAUSED"))
	d := New(clienttest.Executors(fake), nil)
	require.NoError(t, d.WaitForScanStatus(context.Background(), "paused", time.Second, time.Millisecond))

	stuck := clienttest.New().Reply("FT.DEBUG BG_SCAN_CONTROLLER GET_DEBUG_SCANNER_STATUS", resp.Bulk("SCANNING"))
	err := New(clienttest.Executors(stuck), nil).WaitForScanStatus(context.Background(), "PAUSED", 5*time.Millisecond, time.Millisecond)
	assert.True(t, errkind.Is(err, errkind.Timeout))
}

func TestMonitor_DoneMonotonic(t *testing.T) {
	fake := clienttest.New().Sequence("FT.DEBUG WORKERS STATS", stats(5, 1, 4), stats(2, 4, 4), stats(0, 3, 4))
	m := New(clienttest.Executors(fake), nil).Monitor()
	ctx := context.Background()

	_, err := m.Observe(ctx)
	require.NoError(t, err)
	_, err = m.Observe(ctx)
	require.NoError(t, err)
	_, err = m.Observe(ctx)
	assert.ErrorContains(t, err, "jobs done went from 4 to 3")
}

func TestAssertDrained(t *testing.T) {
	idle := clienttest.New().Reply("FT.DEBUG WORKERS STATS", stats(0, 9, 4))
	require.NoError(t, New(clienttest.Executors(idle), nil).AssertDrained(context.Background()))
	assert.Len(t, idle.CallsMatching("FT.DEBUG WORKERS DRAIN"), 1)

	busy := clienttest.New().Reply("FT.DEBUG WORKERS STATS", stats(2, 9, 4))
	assert.Error(t, New(clienttest.Executors(busy), nil).AssertDrained(context.Background()))
}
