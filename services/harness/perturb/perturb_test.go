// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package perturb

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/services/harness/client/clienttest"
	"github.com/AleutianAI/searchstress/services/harness/schema"
)

func TestUpdateArgs(t *testing.T) {
	ts := time.Unix(0, 42)
	args, err := UpdateArgs(schema.StorageHash, "doc:1", 7, ts, "s")
	require.NoError(t, err)
	assert.Equal(t, []any{"HSET", "doc:1", "counter", "7", "timestamp", "42", "scratch", "s"}, args)

	args, err = UpdateArgs(schema.StorageJSON, "doc:1", 7, ts, "s")
	require.NoError(t, err)
	assert.Equal(t, []any{"JSON.MERGE", "doc:1", "$", `{"counter":7,"timestamp":42,"scratch":"s"}`}, args)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Exec: clienttest.New(), IDMin: 5, IDMax: 5})
	assert.Error(t, err)
	_, err = New(Config{Exec: clienttest.New(), IDMax: 10, GCEvery: 3})
	assert.Error(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
}

func TestPerturbator_UpdatesWithinRangeAndRunsGC(t *testing.T) {
	fake := clienttest.New()
	var gcRuns atomic.Int32
	p, err := New(Config{
		Exec:    fake,
		Prefix:  "doc:",
		IDMin:   10,
		IDMax:   20,
		Workers: 3,
		GCEvery: 5,
		GC: func(context.Context) error {
			gcRuns.Add(1)
			return nil
		},
	})
	require.NoError(t, err)
	p.Start(context.Background())
	waitFor(t, func() bool { return p.Updates() >= 20 })
	require.NoError(t, p.Stop())

	assert.GreaterOrEqual(t, gcRuns.Load(), int32(4))
	for _, call := range fake.CallsMatching("HSET") {
		id, err := strconv.Atoi(strings.TrimPrefix(call[1], "doc:"))
		require.NoError(t, err)
		assert.True(t, id >= 10 && id < 20, "id %d outside range", id)
	}
}

func TestPerturbator_StopSurfacesFirstError(t *testing.T) {
	fake := clienttest.New().Fail("HSET", "WRONGTYPE Operation against a key holding the wrong kind of value")
	p, err := New(Config{Exec: fake, IDMax: 10, Workers: 2})
	require.NoError(t, err)
	p.Start(context.Background())
	waitFor(t, func() bool { return len(fake.Calls()) > 0 })

	err = p.Stop()
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ServerRefused))
}

func TestPerturbator_IgnoresOOM(t *testing.T) {
	fake := clienttest.New().Fail("HSET", "OOM command not allowed when used memory > 'maxmemory'.")
	p, err := New(Config{Exec: fake, IDMax: 10, IgnoreOOM: true})
	require.NoError(t, err)
	p.Start(context.Background())
	waitFor(t, func() bool { return p.OOMRejections() >= 3 })
	assert.NoError(t, p.Stop())
	assert.Zero(t, p.Updates())
}

func TestPerturbator_StopTimesOut(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	fake := clienttest.New().On("HSET", func([]string) (resp.Reply, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return resp.Int(0), nil
	})
	p, err := New(Config{Exec: fake, IDMax: 10, JoinTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	p.Start(context.Background())
	<-started

	err = p.Stop()
	close(release)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Timeout))
}

func TestPerturbator_StopBeforeStart(t *testing.T) {
	p, err := New(Config{Exec: clienttest.New(), IDMax: 1})
	require.NoError(t, err)
	assert.NoError(t, p.Stop())
}
