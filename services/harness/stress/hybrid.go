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

	"github.com/AleutianAI/searchstress/services/harness/docgen"
	"github.com/AleutianAI/searchstress/services/harness/query"
	"github.com/AleutianAI/searchstress/services/harness/schema"
)

// HybridCase is one hybrid query shape checked for cross-endpoint parity.
type HybridCase struct {
	Name   string
	Filter query.Node
	K      int
	Limit  *query.Window
}

// HybridCases lists every hybrid shape, disabled ones included.
func HybridCases() []HybridCase {
	return []HybridCase{
		{Name: "wildcard_knn", Filter: query.Wildcard{}, K: 10},
		{Name: "text_knn", Filter: query.Term{Field: "t", Value: "alpha"}, K: 10},
		{Name: "tag_knn", Filter: query.TagMatch{Field: "tag", Values: []string{"red", "blue"}}, K: 10},
		{Name: "numeric_knn", Filter: query.NumericRange{Field: "n", Min: 100, Max: 5000}, K: 10},
		{Name: "negated_tag_knn", Filter: query.Not{Child: query.TagMatch{Field: "tag", Values: []string{"green"}}}, K: 10},
		{Name: "paged_text_knn", Filter: query.Term{Field: "t", Value: "alpha"}, K: 20, Limit: &query.Window{Offset: 5, Num: 5}},
		{Name: "optional_text_knn", Filter: query.Optional{Child: query.Term{Field: "t", Value: "bravo"}}, K: 10},
	}
}

// DisabledHybridCases maps hybrid case names to the reason they are not
// run. The underlying server behavior is unresolved; remove an entry once
// its case passes against a fixed server.
var DisabledHybridCases = map[string]string{
	"negated_tag_knn":   "shards disagree on RRF ranks for negated filters",
	"paged_text_knn":    "LIMIT with an offset inside the RRF window drops fused results on some shards",
	"optional_text_knn": "optional clauses change the text score sequence between endpoints",
}

// EnabledHybridCases returns HybridCases minus DisabledHybridCases.
func EnabledHybridCases() []HybridCase {
	var out []HybridCase
	for _, c := range HybridCases() {
		if _, off := DisabledHybridCases[c.Name]; !off {
			out = append(out, c)
		}
	}
	return out
}

func hybridParity(ctx context.Context, h *Harness) (err error) {
	const dim, count = 4, 2000
	d, err := schema.New("s_hybrid", schema.Options{Prefixes: []string{"hy:"}},
		schema.Text("t", schema.TextOptions{}),
		schema.Tag("tag", schema.TagOptions{}),
		schema.Numeric("n", schema.NumericOptions{Sortable: true}),
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
		docs[i] = docgen.ForDescriptor(gen, d, docgen.Key("hy:", i))
	}
	if err := h.load(ctx, d.Storage(), docs); err != nil {
		return err
	}
	if err := h.waitIndexed(ctx, d); err != nil {
		return err
	}

	blob, err := docgen.EncodeVector(gen.Vector(dim), schema.Float32)
	if err != nil {
		return err
	}
	for _, c := range EnabledHybridCases() {
		q := &query.Hybrid{
			Index:       d.Name(),
			Search:      c.Filter,
			VectorField: "vector",
			Vector:      blob,
			K:           c.K,
			Limit:       c.Limit,
			Options:     h.opts(),
		}
		if err := h.Oracle.Verify(ctx, q, h.Primaries(), nil); err != nil {
			return fmt.Errorf("hybrid case %s: %w", c.Name, err)
		}
	}

	// The search half of a hybrid query must also survive profiling.
	s := &query.Search{
		Index:     d.Name(),
		Filter:    query.TagMatch{Field: "tag", Values: []string{"red"}},
		SortBy:    "n",
		NoContent: true,
		Options:   h.opts(),
	}
	return h.Oracle.VerifyProfile(ctx, s, h.Primaries(), true, nil)
}
