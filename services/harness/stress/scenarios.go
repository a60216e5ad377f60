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
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/searchstress/pkg/slots"
	"github.com/AleutianAI/searchstress/services/harness/docgen"
	"github.com/AleutianAI/searchstress/services/harness/migration"
	"github.com/AleutianAI/searchstress/services/harness/perturb"
	"github.com/AleutianAI/searchstress/services/harness/query"
	"github.com/AleutianAI/searchstress/services/harness/schema"
)

// Scenarios returns every registered scenario in run order.
func Scenarios() []Scenario {
	return []Scenario{
		{"numeric_range_migration", "numeric range with SORTBY stays identical across endpoints through a live slot migration", numericRangeMigration},
		{"bm25_ranking", "BM25STD ranks the longer matching document first", bm25Ranking},
		{"knn_exact", "KNN over random vectors finds an indexed vector at distance zero", knnExact},
		{"empty_tag", "an INDEXEMPTY tag field matches the empty string", emptyTag},
		{"quantile", "QUANTILE 0.5 over 1..10000 lands on the median", quantile},
		{"oom_scan", "a background scan resumed under a tight memory limit stops with an OOM status", oomScan},
		{"boundaries", "empty and missing predicates, LIMIT 0 0, and a single-page cursor", boundaries},
		{"index_roundtrip", "create, load, drop, repeat yields the same INFO totals; same-value rewrites change nothing", indexRoundTrip},
		{"gc_reclaim", "GC after deleting every document reclaims the inverted index", gcReclaim},
		{"worker_drain", "draining the worker pool leaves nothing pending and done jobs never go backwards", workerDrain},
		{"hybrid_parity", "hybrid queries emit the same score sequence on every endpoint", hybridParity},
	}
}

func (h *Harness) opts() query.Options { return query.Options{Dialect: h.cfg.Dialect} }

func (h *Harness) search(ctx context.Context, s *query.Search) (query.SearchResult, error) {
	reply, err := query.Run(ctx, h.coordinator(), s)
	if err != nil {
		return query.SearchResult{}, err
	}
	return query.ParseSearch(reply, s)
}

// =============================================================================
// Numeric range under migration
// =============================================================================

const (
	rangeLow  = 69
	rangeHigh = 1420
)

func numericIndex(name, prefix string, dim int) (*schema.Descriptor, error) {
	return schema.New(name, schema.Options{Prefixes: []string{prefix}},
		schema.Numeric("n", schema.NumericOptions{Sortable: true}),
		schema.Text("text", schema.TextOptions{}),
		schema.Vector("vector", schema.VectorOptions{Dim: dim, Metric: schema.MetricL2}),
		schema.Tag("tag", schema.TagOptions{}),
	)
}

func numericRangeMigration(ctx context.Context, h *Harness) (err error) {
	const prefix = "doc:"
	d, err := numericIndex("s_numeric", prefix, h.cfg.VectorDim)
	if err != nil {
		return err
	}
	drop, err := h.createIndex(ctx, d)
	if err != nil {
		return err
	}
	defer dropOnExit(&err, drop)

	n := h.cfg.Documents
	gen := docgen.New(h.cfg.Seed)
	docs := make([]docgen.Document, n)
	keys := make([]string, n)
	for id := range n {
		docs[id] = docgen.NumericDocument(gen, prefix, id, h.cfg.VectorDim)
		keys[id] = docs[id].Key
	}
	if err := h.load(ctx, d.Storage(), docs); err != nil {
		return err
	}
	if err := h.waitIndexed(ctx, d); err != nil {
		return err
	}

	q := &query.Search{
		Index:     d.Name(),
		Filter:    query.NumericRange{Field: "n", Min: rangeLow, Max: rangeHigh},
		SortBy:    "n",
		Limit:     &query.Window{Num: 10},
		NoContent: true,
		Options:   h.opts(),
	}
	expected, err := h.Oracle.Baseline(ctx, q, h.coordinator())
	if err != nil {
		return err
	}
	if err := checkRangeBaseline(*expected.Search, prefix, n); err != nil {
		return err
	}
	if err := h.Oracle.Verify(ctx, q, h.Primaries(), expected); err != nil {
		return err
	}

	primaries := h.Primaries()
	if !h.clustered || len(primaries) < 2 {
		return skipf("migration needs a cluster with two primaries, have %d", len(primaries))
	}

	p, err := perturb.New(perturb.Config{
		Exec:      h.exec,
		Storage:   d.Storage(),
		Prefix:    prefix,
		IDMax:     n,
		Workers:   h.cfg.Perturb.Workers,
		Rate:      h.cfg.Perturb.Rate,
		GCEvery:   h.cfg.Perturb.GCEvery,
		GC:        func(ctx context.Context) error { return h.GC.ForceBackgroundInvoke(ctx, d.Name()) },
		IgnoreOOM: h.cfg.Perturb.IgnoreOOM,
		Seed:      h.cfg.Seed,
		Logger:    h.logger,
		Metrics:   h.metrics,
	})
	if err != nil {
		return err
	}
	p.Start(ctx)

	var task *migration.Task
	task, err = h.Migrations.Migrate(ctx, primaries[1], primaries[0], func(ctx context.Context) error {
		return h.Oracle.Verify(ctx, q, primaries, expected)
	})
	if stopErr := p.Stop(); err == nil {
		err = stopErr
	}
	if err != nil {
		return err
	}
	h.logger.Info("migration verified", "slots", task.Slots.String(), "updates", p.Updates())

	moved := keysInRange(keys, task.Slots)
	if err := migration.VerifyOwnership(ctx, task, moved); err != nil {
		return err
	}
	return h.Oracle.Verify(ctx, q, primaries, expected)
}

func checkRangeBaseline(r query.SearchResult, prefix string, n int) error {
	hi := min(rangeHigh, n-1)
	want := int64(max(0, hi-rangeLow+1))
	if r.Total != want {
		return fmt.Errorf("range total %d, want %d", r.Total, want)
	}
	for i, key := range r.Keys() {
		if exp := docgen.Key(prefix, rangeLow+i); key != exp {
			return fmt.Errorf("range result %d is %s, want %s", i, key, exp)
		}
	}
	return nil
}

func keysInRange(keys []string, r slots.Range) []string {
	var out []string
	for _, k := range keys {
		if r.Contains(slots.Of(k)) {
			out = append(out, k)
		}
	}
	return out
}

// =============================================================================
// Scoring and vectors
// =============================================================================

func bm25Ranking(ctx context.Context, h *Harness) (err error) {
	d, err := schema.New("s_bm25", schema.Options{Prefixes: []string{"bm25:"}},
		schema.Text("t", schema.TextOptions{}),
		schema.Tag("tag", schema.TagOptions{}),
	)
	if err != nil {
		return err
	}
	drop, err := h.createIndex(ctx, d)
	if err != nil {
		return err
	}
	defer dropOnExit(&err, drop)

	docs := []docgen.Document{
		{Key: "bm25:doc1", Fields: []docgen.FieldValue{{Name: "t", Value: "hello"}, {Name: "tag", Value: "a"}}},
		{Key: "bm25:doc2", Fields: []docgen.FieldValue{{Name: "t", Value: "world"}, {Name: "tag", Value: "a"}}},
		{Key: "bm25:doc3", Fields: []docgen.FieldValue{{Name: "t", Value: "hello world"}, {Name: "tag", Value: "a"}}},
	}
	if err := h.load(ctx, d.Storage(), docs); err != nil {
		return err
	}
	if err := h.waitIndexed(ctx, d); err != nil {
		return err
	}

	q := &query.Search{
		Index:      d.Name(),
		Filter:     query.Term{Field: "t", Value: "hello"},
		Scorer:     "BM25STD",
		WithScores: true,
		NoContent:  true,
		Options:    h.opts(),
	}
	got, err := h.search(ctx, q)
	if err != nil {
		return err
	}
	keys := got.Keys()
	i3, i1 := slices.Index(keys, "bm25:doc3"), slices.Index(keys, "bm25:doc1")
	if got.Total != 2 || i3 < 0 || i1 < 0 {
		return fmt.Errorf("bm25 returned %d hits %v, want doc1 and doc3", got.Total, keys)
	}
	if i3 > i1 {
		return fmt.Errorf("bm25 ranked doc1 above doc3: %v", keys)
	}
	return h.Oracle.Verify(ctx, q, h.Primaries(), nil)
}

func knnExact(ctx context.Context, h *Harness) (err error) {
	const dim, count = 4, 100
	d, err := schema.New("s_knn", schema.Options{Prefixes: []string{"knn:"}},
		schema.Vector("vector", schema.VectorOptions{Dim: dim, Metric: schema.MetricL2}),
	)
	if err != nil {
		return err
	}
	drop, err := h.createIndex(ctx, d)
	if err != nil {
		return err
	}
	defer dropOnExit(&err, drop)

	gen := docgen.New(h.cfg.Seed)
	docs := make([]docgen.Document, count)
	for i := range docs {
		docs[i] = docgen.Document{Key: docgen.Key("knn:", i), Fields: []docgen.FieldValue{
			{Name: "vector", Value: docgen.VectorValue{Values: gen.Vector(dim), Type: schema.Float32}},
		}}
	}
	if err := h.load(ctx, d.Storage(), docs); err != nil {
		return err
	}
	if err := h.waitIndexed(ctx, d); err != nil {
		return err
	}

	probe := docs[gen.IntN(count)]
	blob, err := docgen.EncodeVector(probe.Fields[0].Value.(docgen.VectorValue).Values, schema.Float32)
	if err != nil {
		return err
	}
	q := &query.Search{
		Index:   d.Name(),
		KNN:     &query.KNN{K: 10, Field: "vector", Param: "q", Vector: blob, ScoreAlias: "dist"},
		SortBy:  "dist",
		Return:  []string{"dist"},
		Options: h.opts(),
	}
	got, err := h.search(ctx, q)
	if err != nil {
		return err
	}
	if len(got.Docs) != 10 {
		return fmt.Errorf("knn returned %d results, want 10", len(got.Docs))
	}
	dist, err := strconv.ParseFloat(got.Docs[0].Fields["dist"], 64)
	if err != nil {
		return fmt.Errorf("first knn distance %q: %w", got.Docs[0].Fields["dist"], err)
	}
	if math.Abs(dist) > 1e-6 {
		return fmt.Errorf("first knn distance %v for an indexed vector (%s), want 0", dist, probe.Key)
	}
	return nil
}

// =============================================================================
// Predicates and aggregates
// =============================================================================

func emptyTag(ctx context.Context, h *Harness) (err error) {
	d, err := schema.New("s_empty", schema.Options{Prefixes: []string{"empty:"}},
		schema.Tag("t", schema.TagOptions{IndexEmpty: true}),
	)
	if err != nil {
		return err
	}
	drop, err := h.createIndex(ctx, d)
	if err != nil {
		return err
	}
	defer dropOnExit(&err, drop)

	if _, err := h.exec.Execute(ctx, "HSET", "empty:h1", "t", ""); err != nil {
		return err
	}
	if err := h.waitIndexed(ctx, d); err != nil {
		return err
	}
	q := &query.Search{
		Index:     d.Name(),
		Filter:    query.TagMatch{Field: "t", Values: []string{""}},
		NoContent: true,
		Options:   h.opts(),
	}
	got, err := h.search(ctx, q)
	if err != nil {
		return err
	}
	if got.Total != 1 || !slices.Equal(got.Keys(), []string{"empty:h1"}) {
		return fmt.Errorf("empty tag query returned %d %v, want 1 [empty:h1]", got.Total, got.Keys())
	}
	return nil
}

func quantile(ctx context.Context, h *Harness) (err error) {
	const count = 10000
	d, err := schema.New("s_quantile", schema.Options{Prefixes: []string{"q:"}},
		schema.Numeric("n", schema.NumericOptions{}),
	)
	if err != nil {
		return err
	}
	drop, err := h.createIndex(ctx, d)
	if err != nil {
		return err
	}
	defer dropOnExit(&err, drop)

	docs := make([]docgen.Document, count)
	for i := range docs {
		docs[i] = docgen.Document{Key: docgen.Key("q:", i+1), Fields: []docgen.FieldValue{{Name: "n", Value: i + 1}}}
	}
	if err := h.load(ctx, d.Storage(), docs); err != nil {
		return err
	}
	if err := h.waitIndexed(ctx, d); err != nil {
		return err
	}

	q := &query.Aggregate{
		Index: d.Name(),
		Steps: []query.Step{query.GroupBy{Reducers: []query.Reducer{
			{Func: "QUANTILE", Args: []string{"@n", "0.5"}, As: "q50"},
		}}},
		Options: h.opts(),
	}
	reply, err := query.Run(ctx, h.coordinator(), q)
	if err != nil {
		return err
	}
	got, err := query.ParseAggregate(reply)
	if err != nil {
		return err
	}
	if len(got.Rows) != 1 {
		return fmt.Errorf("quantile returned %d rows, want 1", len(got.Rows))
	}
	q50, err := strconv.ParseFloat(got.Rows[0]["q50"], 64)
	if err != nil {
		return fmt.Errorf("q50 %q: %w", got.Rows[0]["q50"], err)
	}
	if math.Abs(math.Round(q50)-5000) > 1 {
		return fmt.Errorf("q50 is %v, want 5000 +/- 1", q50)
	}
	return h.Oracle.Verify(ctx, q, h.Primaries(), nil)
}

func boundaries(ctx context.Context, h *Harness) (err error) {
	const count = 10
	d, err := schema.New("s_bounds", schema.Options{Prefixes: []string{"bounds:"}},
		schema.Tag("t", schema.TagOptions{IndexEmpty: true, IndexMissing: true}),
		schema.Numeric("n", schema.NumericOptions{Sortable: true}),
	)
	if err != nil {
		return err
	}
	drop, err := h.createIndex(ctx, d)
	if err != nil {
		return err
	}
	defer dropOnExit(&err, drop)

	// ids 0-2 carry an empty tag, 3-5 no tag, 6-9 "x".
	docs := make([]docgen.Document, count)
	var empty, missing []string
	for i := range docs {
		doc := docgen.Document{Key: docgen.Key("bounds:", i), Fields: []docgen.FieldValue{{Name: "n", Value: i}}}
		switch {
		case i < 3:
			doc = doc.Set("t", "")
			empty = append(empty, doc.Key)
		case i < 6:
			missing = append(missing, doc.Key)
		default:
			doc = doc.Set("t", "x")
		}
		docs[i] = doc
	}
	if err := h.load(ctx, d.Storage(), docs); err != nil {
		return err
	}
	if err := h.waitIndexed(ctx, d); err != nil {
		return err
	}

	predicates := []struct {
		name   string
		filter query.Node
		want   []string
	}{
		{"empty", query.TagMatch{Field: "t", Values: []string{""}}, empty},
		{"missing", query.IsMissing{Field: "t"}, missing},
	}
	for _, p := range predicates {
		got, err := h.search(ctx, &query.Search{
			Index: d.Name(), Filter: p.filter, SortBy: "n", NoContent: true, Options: h.opts(),
		})
		if err != nil {
			return fmt.Errorf("%s predicate: %w", p.name, err)
		}
		if !slices.Equal(got.Keys(), p.want) {
			return fmt.Errorf("%s predicate returned %v, want %v", p.name, got.Keys(), p.want)
		}
	}

	counted, err := h.search(ctx, &query.Search{Index: d.Name(), Limit: &query.Window{}, Options: h.opts()})
	if err != nil {
		return err
	}
	if counted.Total != count || len(counted.Docs) != 0 {
		return fmt.Errorf("LIMIT 0 0 returned total %d with %d docs, want %d with none", counted.Total, len(counted.Docs), count)
	}

	pages, err := query.Drain(ctx, h.coordinator(), &query.Aggregate{
		Index:   d.Name(),
		Load:    []string{"@n"},
		Cursor:  &query.Cursor{Count: count},
		Options: h.opts(),
	})
	if err != nil {
		return err
	}
	if len(pages) != 1 || pages[0].Cursor != 0 || len(pages[0].Rows) != count {
		return fmt.Errorf("cursor of page size %d took %d pages", count, len(pages))
	}
	return nil
}

// =============================================================================
// Index lifecycle, GC and workers
// =============================================================================

func indexRoundTrip(ctx context.Context, h *Harness) error {
	const count = 500
	d, err := schema.New("s_roundtrip", schema.Options{Prefixes: []string{"rt:"}},
		schema.Text("text", schema.TextOptions{}),
		schema.Numeric("n", schema.NumericOptions{Sortable: true}),
		schema.Tag("tag", schema.TagOptions{}),
	)
	if err != nil {
		return err
	}
	docs := make([]docgen.Document, count)
	gen := docgen.New(h.cfg.Seed)
	for i := range docs {
		docs[i] = docgen.ForDescriptor(gen, d, docgen.Key("rt:", i))
	}

	var totals [2]schema.Info
	for round := range totals {
		totals[round], err = h.roundTrip(ctx, d, docs, round == 0)
		if err != nil {
			return fmt.Errorf("round %d: %w", round+1, err)
		}
	}
	a, b := totals[0], totals[1]
	if a.NumDocs != b.NumDocs || a.NumRecords != b.NumRecords || a.HashIndexingFail != b.HashIndexingFail {
		return fmt.Errorf("INFO totals differ between rounds: docs %d/%d records %d/%d failures %d/%d",
			a.NumDocs, b.NumDocs, a.NumRecords, b.NumRecords, a.HashIndexingFail, b.HashIndexingFail)
	}
	return nil
}

// roundTrip creates d, loads docs, reads INFO, and drops d with its
// documents. When rewrite is set it also rewrites every document with the
// same values and checks a sorted query is unaffected.
func (h *Harness) roundTrip(ctx context.Context, d *schema.Descriptor, docs []docgen.Document, rewrite bool) (info schema.Info, err error) {
	drop, err := h.createIndex(ctx, d)
	if err != nil {
		return info, err
	}
	defer dropOnExit(&err, drop)

	if err := h.load(ctx, d.Storage(), docs); err != nil {
		return info, err
	}
	if err := h.waitIndexed(ctx, d); err != nil {
		return info, err
	}
	if rewrite {
		q := &query.Search{Index: d.Name(), SortBy: "n", Limit: &query.Window{Num: 50}, Options: h.opts()}
		expected, err := h.Oracle.Baseline(ctx, q, h.coordinator())
		if err != nil {
			return info, err
		}
		if err := h.load(ctx, d.Storage(), docs); err != nil {
			return info, err
		}
		if err := h.Oracle.Verify(ctx, q, h.Primaries(), expected); err != nil {
			return info, fmt.Errorf("after same-value rewrite: %w", err)
		}
	}
	return h.info(ctx, d)
}

func gcReclaim(ctx context.Context, h *Harness) (err error) {
	const count = 200
	d, err := schema.New("s_gc", schema.Options{Prefixes: []string{"gc:"}},
		schema.Text("t", schema.TextOptions{}),
		schema.Numeric("n", schema.NumericOptions{}),
	)
	if err != nil {
		return err
	}
	drop, err := h.createIndex(ctx, d)
	if err != nil {
		return err
	}
	defer dropOnExit(&err, drop)

	gen := docgen.New(h.cfg.Seed)
	docs := make([]docgen.Document, count)
	keys := make([]string, count)
	for i := range docs {
		keys[i] = docgen.Key("gc:", i)
		docs[i] = docgen.Document{Key: keys[i], Fields: []docgen.FieldValue{
			{Name: "t", Value: "hello " + gen.Text(3)},
			{Name: "n", Value: i},
		}}
	}
	if err := h.load(ctx, d.Storage(), docs); err != nil {
		return err
	}
	if err := h.waitIndexed(ctx, d); err != nil {
		return err
	}

	return h.GC.WithScheduleStopped(ctx, d.Name(), func(ctx context.Context) error {
		if err := h.deleteKeys(ctx, d.Storage(), keys); err != nil {
			return err
		}
		if err := h.GC.ForceInvoke(ctx, d.Name()); err != nil {
			return err
		}
		if err := h.GC.WaitForJobs(ctx); err != nil {
			return err
		}
		return h.GC.AssertReclaimed(ctx, d.Name(), "hello")
	})
}

func workerDrain(ctx context.Context, h *Harness) (err error) {
	d, err := schema.New("s_workers", schema.Options{Prefixes: []string{"wk:"}},
		schema.Text("t", schema.TextOptions{}),
	)
	if err != nil {
		return err
	}
	drop, err := h.createIndex(ctx, d)
	if err != nil {
		return err
	}
	defer dropOnExit(&err, drop)

	monitor := h.Workers.Monitor()
	if _, err := monitor.Observe(ctx); err != nil {
		return err
	}

	gen := docgen.New(h.cfg.Seed)
	docs := make([]docgen.Document, 500)
	for i := range docs {
		docs[i] = docgen.Document{Key: docgen.Key("wk:", i), Fields: []docgen.FieldValue{{Name: "t", Value: gen.Text(5)}}}
	}
	err = h.Workers.WithPaused(ctx, func(ctx context.Context) error {
		return h.load(ctx, d.Storage(), docs)
	})
	if err != nil {
		return err
	}
	if err := h.Workers.Drain(ctx); err != nil {
		return err
	}
	if err := h.Workers.AssertDrained(ctx); err != nil {
		return err
	}
	if _, err := monitor.Observe(ctx); err != nil {
		return err
	}
	if err := h.waitIndexed(ctx, d); err != nil {
		return err
	}
	info, err := h.info(ctx, d)
	if err != nil {
		return err
	}
	if info.NumDocs != int64(len(docs)) {
		return fmt.Errorf("after drain %d docs indexed, want %d", info.NumDocs, len(docs))
	}
	return nil
}

// =============================================================================
// Memory pressure
// =============================================================================

const (
	oomDocs      = 1000
	oomPauseAt   = 250
	statusPaused = "PAUSED"
)

func oomScan(ctx context.Context, h *Harness) (err error) {
	if h.clustered {
		return skipf("scan counts are per shard; run against a single primary")
	}
	d, err := schema.New("s_oom", schema.Options{Prefixes: []string{"oom:"}},
		schema.Numeric("n", schema.NumericOptions{}),
	)
	if err != nil {
		return err
	}
	docs := make([]docgen.Document, oomDocs)
	for i := range docs {
		docs[i] = docgen.Document{Key: docgen.Key("oom:", i), Fields: []docgen.FieldValue{{Name: "n", Value: i}}}
	}
	if err := h.load(ctx, d.Storage(), docs); err != nil {
		return err
	}

	before, err := h.Memory.OOMFailures(ctx)
	if err != nil {
		return err
	}
	if err := h.Workers.PauseOnScannedDocs(ctx, oomPauseAt); err != nil {
		return err
	}
	drop, err := h.createIndex(ctx, d)
	if err != nil {
		return err
	}
	defer dropOnExit(&err, drop)
	if err := h.Workers.WaitForScanStatus(ctx, statusPaused, h.cfg.IndexTimeout, indexPoll); err != nil {
		return err
	}

	var info schema.Info
	err = h.Memory.WithTightened(ctx, 1, h.cfg.Memory.Policy, func(ctx context.Context) error {
		if err := h.Workers.ResumeScan(ctx); err != nil {
			return err
		}
		if err := h.waitIndexed(ctx, d); err != nil {
			return err
		}
		var err error
		info, err = h.info(ctx, d)
		return err
	})
	if err != nil {
		return err
	}

	after, err := h.Memory.OOMFailures(ctx)
	if err != nil {
		return err
	}
	switch {
	case info.NumDocs != oomPauseAt:
		return fmt.Errorf("OOM scan indexed %d docs, want %d", info.NumDocs, oomPauseAt)
	case !strings.Contains(strings.ToUpper(info.IndexingStatus), "OOM"):
		return fmt.Errorf("indexing status %q, want an OOM failure", info.IndexingStatus)
	case after-before != 1:
		return fmt.Errorf("OOM failure counter moved by %d, want 1", after-before)
	}
	return nil
}
