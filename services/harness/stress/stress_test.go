// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stress

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/services/harness/client/clienttest"
)

func testHarness(clustered bool, fakes ...*clienttest.Fake) *Harness {
	cfg := DefaultConfig()
	cfg.Documents = 1500
	cfg.IndexTimeout = time.Second
	return newHarness(cfg, fakes[0], clienttest.Executors(fakes...), clustered, nil, nil)
}

func scenario(t *testing.T, name string) Scenario {
	t.Helper()
	s, ok := Lookup(name)
	require.True(t, ok, name)
	return s
}

func TestScenarios_UniqueNames(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range Scenarios() {
		assert.False(t, seen[s.Name], "duplicate %s", s.Name)
		seen[s.Name] = true
		assert.NotNil(t, s.Run, s.Name)
		assert.NotEmpty(t, s.Description, s.Name)
	}
	_, ok := Lookup("nope")
	assert.False(t, ok)
}

func TestEnabledHybridCases(t *testing.T) {
	names := map[string]bool{}
	for _, c := range HybridCases() {
		names[c.Name] = true
	}
	for name := range DisabledHybridCases {
		assert.True(t, names[name], "disabled case %s does not exist", name)
	}
	enabled := EnabledHybridCases()
	assert.Len(t, enabled, len(HybridCases())-len(DisabledHybridCases))
	for _, c := range enabled {
		assert.NotContains(t, DisabledHybridCases, c.Name)
	}
}

func TestEmptyTag(t *testing.T) {
	fake := clienttest.New().Reply("FT.SEARCH", resp.Array(resp.Int(1), resp.Bulk("empty:h1")))
	h := testHarness(false, fake)

	o := h.RunScenario(context.Background(), scenario(t, "empty_tag"))
	require.NoError(t, o.Err)
	assert.Equal(t, [][]string{{"HSET", "empty:h1", "t", ""}}, fake.CallsMatching("HSET"))
	assert.Equal(t, [][]string{{"FT.DROPINDEX", "s_empty", "DD"}}, fake.CallsMatching("FT.DROPINDEX"))
}

func TestEmptyTag_WrongReplyStillDrops(t *testing.T) {
	fake := clienttest.New().Reply("FT.SEARCH", resp.Array(resp.Int(0)))
	h := testHarness(false, fake)

	o := h.RunScenario(context.Background(), scenario(t, "empty_tag"))
	require.Error(t, o.Err)
	assert.False(t, o.Skipped)
	assert.Contains(t, o.Err.Error(), "want 1 [empty:h1]")
	assert.Len(t, fake.CallsMatching("FT.DROPINDEX"), 1)
}

func TestQuantile_AgreesAcrossEndpoints(t *testing.T) {
	row := resp.Array(resp.Int(1), resp.Array(resp.Bulk("q50"), resp.Bulk("5000.5")))
	a := clienttest.New().Reply("FT.AGGREGATE", row)
	b := clienttest.New().Reply("FT.AGGREGATE", row)
	h := testHarness(true, a, b)

	o := h.RunScenario(context.Background(), scenario(t, "quantile"))
	require.NoError(t, o.Err)
	assert.Len(t, a.CallsMatching("HSET"), 10000)
	assert.Len(t, b.CallsMatching("FT.AGGREGATE"), 1)
}

func TestQuantile_OffMedian(t *testing.T) {
	fake := clienttest.New().Reply("FT.AGGREGATE",
		resp.Array(resp.Int(1), resp.Array(resp.Bulk("q50"), resp.Bulk("4990"))))
	o := testHarness(false, fake).RunScenario(context.Background(), scenario(t, "quantile"))
	assert.ErrorContains(t, o.Err, "want 5000 +/- 1")
}

func TestKNNExact(t *testing.T) {
	elems := []resp.Reply{resp.Int(10)}
	for i := range 10 {
		elems = append(elems, resp.Bulk("knn:"+strconv.Itoa(i)),
			resp.Array(resp.Bulk("dist"), resp.Bulk(strconv.Itoa(i))))
	}
	fake := clienttest.New().Reply("FT.SEARCH", resp.Array(elems...))
	o := testHarness(false, fake).RunScenario(context.Background(), scenario(t, "knn_exact"))
	require.NoError(t, o.Err)

	search := fake.CallsMatching("FT.SEARCH")
	require.Len(t, search, 1)
	assert.Equal(t, "(*)=>[KNN 10 @vector $q AS dist]", search[0][2])
}

func TestNumericRangeMigration_SkipsWithoutCluster(t *testing.T) {
	elems := []resp.Reply{resp.Int(1352)}
	for id := 69; id < 79; id++ {
		elems = append(elems, resp.Bulk("doc:"+strconv.Itoa(id)))
	}
	fake := clienttest.New().Reply("FT.SEARCH", resp.Array(elems...))
	o := testHarness(false, fake).RunScenario(context.Background(), scenario(t, "numeric_range_migration"))

	assert.True(t, o.Skipped, "err: %v", o.Err)
	assert.ErrorIs(t, o.Err, ErrSkipped)
	assert.Len(t, fake.CallsMatching("HSET"), 1500)
	assert.Empty(t, fake.CallsMatching("CLUSTER MIGRATION"))
}

func TestNumericRangeMigration_WrongBaseline(t *testing.T) {
	fake := clienttest.New().Reply("FT.SEARCH", resp.Array(resp.Int(1351)))
	o := testHarness(false, fake).RunScenario(context.Background(), scenario(t, "numeric_range_migration"))
	assert.ErrorContains(t, o.Err, "range total 1351, want 1352")
}

func TestOOMScan_SkipsInCluster(t *testing.T) {
	fake := clienttest.New()
	o := testHarness(true, fake).RunScenario(context.Background(), scenario(t, "oom_scan"))
	assert.True(t, o.Skipped)
	assert.Empty(t, fake.Calls())
}

func TestWaitIndexed_TimesOut(t *testing.T) {
	fake := clienttest.New().Reply("FT.INFO", resp.Array(resp.Bulk("indexing"), resp.Int(1)))
	h := testHarness(false, fake)
	h.cfg.IndexTimeout = 10 * time.Millisecond

	d, err := numericIndex("idx", "doc:", 4)
	require.NoError(t, err)
	err = h.waitIndexed(context.Background(), d)
	assert.True(t, errkind.Is(err, errkind.Timeout), "err: %v", err)
}

func TestRun_SelectsAndJoinsFailures(t *testing.T) {
	fake := clienttest.New().
		Reply("FT.SEARCH", resp.Array(resp.Int(0))).
		Reply("FT.AGGREGATE", resp.Array(resp.Int(1), resp.Array(resp.Bulk("q50"), resp.Bulk("5000"))))
	h := testHarness(true, fake)
	h.cfg.Scenarios = []string{"quantile", "empty_tag", "oom_scan"}

	outcomes, err := h.Run(context.Background())
	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.True(t, outcomes[2].Skipped)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty_tag")
	assert.NotContains(t, err.Error(), "oom_scan")
}
