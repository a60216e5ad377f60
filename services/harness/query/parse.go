// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/searchstress/pkg/resp"
)

// ErrMalformedReply is returned when a reply does not have the expected shape.
var ErrMalformedReply = errors.New("malformed reply")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedReply, fmt.Sprintf(format, args...))
}

// =============================================================================
// Result types
// =============================================================================

// Doc is one search hit.
type Doc struct {
	Key    string
	Score  *float64
	Fields map[string]string
}

// SearchResult is the canonical FT.SEARCH reply.
type SearchResult struct {
	Total    int64
	Docs     []Doc
	Warnings []string
}

// Keys returns document keys in emitted order.
func (r SearchResult) Keys() []string {
	keys := make([]string, len(r.Docs))
	for i, d := range r.Docs {
		keys[i] = d.Key
	}
	return keys
}

// Row is one aggregate row.
type Row map[string]string

// AggregateResult is the canonical FT.AGGREGATE (or FT.CURSOR READ) reply.
// Cursor is zero when the stream is exhausted or not cursored.
type AggregateResult struct {
	Total    int64
	Rows     []Row
	Cursor   int64
	Warnings []string
}

// Stream renders every row as sorted "field=value" tokens, row by row.
func (r AggregateResult) Stream() [][]string {
	out := make([][]string, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = rowTokens(row)
	}
	return out
}

// SortedStream is the order-insensitive projection of Stream.
func (r AggregateResult) SortedStream() []string {
	var out []string
	for _, row := range r.Rows {
		out = append(out, rowTokens(row)...)
	}
	sort.Strings(out)
	return out
}

func rowTokens(row Row) []string {
	tokens := make([]string, 0, len(row))
	for k, v := range row {
		tokens = append(tokens, k+"="+v)
	}
	sort.Strings(tokens)
	return tokens
}

// HybridDoc is one fused hit.
type HybridDoc struct {
	Key    string
	Score  float64
	Fields map[string]string
}

// HybridResult is the canonical FT.HYBRID reply.
type HybridResult struct {
	Total    int64
	Results  []HybridDoc
	Warnings []string
}

// Scores returns scores in emitted order.
func (r HybridResult) Scores() []float64 {
	out := make([]float64, len(r.Results))
	for i, d := range r.Results {
		out[i] = d.Score
	}
	return out
}

// Keys returns keys in emitted order.
func (r HybridResult) Keys() []string {
	out := make([]string, len(r.Results))
	for i, d := range r.Results {
		out[i] = d.Key
	}
	return out
}

// ProfileResult splits an FT.PROFILE reply.
type ProfileResult struct {
	Result  resp.Reply
	Profile resp.Reply
}

// Duplicates returns keys that appear more than once, sorted.
func Duplicates(keys []string) []string {
	seen := make(map[string]int, len(keys))
	for _, k := range keys {
		seen[k]++
	}
	var dups []string
	for k, n := range seen {
		if n > 1 {
			dups = append(dups, k)
		}
	}
	sort.Strings(dups)
	return dups
}

// =============================================================================
// Search
// =============================================================================

// ParseSearch parses an FT.SEARCH reply. s tells the RESP2 parser whether
// scores and field arrays are interleaved with keys.
func ParseSearch(reply resp.Reply, s *Search) (SearchResult, error) {
	if reply.Kind == resp.KindError {
		return SearchResult{}, malformed("error reply: %s", reply.Str)
	}
	if reply.Kind == resp.KindMap {
		return parseSearch3(reply)
	}
	if reply.Kind != resp.KindArray || len(reply.Elems) == 0 {
		return SearchResult{}, malformed("search reply is %s", reply.Kind)
	}

	total, err := reply.Elems[0].AsInt()
	if err != nil {
		return SearchResult{}, malformed("search total: %v", err)
	}
	res := SearchResult{Total: total}
	withScores := s != nil && s.WithScores
	withFields := s == nil || !s.NoContent

	rest := reply.Elems[1:]
	for i := 0; i < len(rest); {
		doc := Doc{Key: rest[i].Text()}
		i++
		if withScores {
			if i >= len(rest) {
				return SearchResult{}, malformed("missing score for %s", doc.Key)
			}
			score, err := rest[i].AsFloat()
			if err != nil {
				return SearchResult{}, malformed("score for %s: %v", doc.Key, err)
			}
			doc.Score = &score
			i++
		}
		if withFields {
			if i >= len(rest) {
				return SearchResult{}, malformed("missing fields for %s", doc.Key)
			}
			fields, err := fieldMap(rest[i])
			if err != nil {
				return SearchResult{}, err
			}
			doc.Fields = fields
			i++
		}
		res.Docs = append(res.Docs, doc)
	}
	return res, nil
}

func parseSearch3(reply resp.Reply) (SearchResult, error) {
	var res SearchResult
	if t, ok := reply.Get("total_results"); ok {
		total, err := t.AsInt()
		if err != nil {
			return SearchResult{}, malformed("total_results: %v", err)
		}
		res.Total = total
	}
	results, _ := reply.Get("results")
	for _, item := range results.Elems {
		id, ok := item.Get("id")
		if !ok {
			return SearchResult{}, malformed("search result without id")
		}
		doc := Doc{Key: id.Text()}
		if sc, ok := item.Get("score"); ok {
			score, err := sc.AsFloat()
			if err != nil {
				return SearchResult{}, malformed("score for %s: %v", doc.Key, err)
			}
			doc.Score = &score
		}
		if attrs, ok := item.Get("extra_attributes"); ok {
			fields, err := fieldMap(attrs)
			if err != nil {
				return SearchResult{}, err
			}
			doc.Fields = fields
		}
		res.Docs = append(res.Docs, doc)
	}
	res.Warnings = warnings(reply, "warning")
	return res, nil
}

// =============================================================================
// Aggregate
// =============================================================================

// ParseAggregate parses FT.AGGREGATE and FT.CURSOR READ replies in either
// protocol. The cursored form [result, cursor-id] is detected by shape.
func ParseAggregate(reply resp.Reply) (AggregateResult, error) {
	if reply.Kind == resp.KindError {
		return AggregateResult{}, malformed("error reply: %s", reply.Str)
	}
	var cursor int64
	if isCursored(reply) {
		id, _ := reply.Elems[1].AsInt()
		cursor = id
		reply = reply.Elems[0]
	}

	var res AggregateResult
	var err error
	switch reply.Kind {
	case resp.KindMap:
		res, err = parseAggregate3(reply)
	case resp.KindArray:
		res, err = parseAggregate2(reply)
	default:
		err = malformed("aggregate reply is %s", reply.Kind)
	}
	if err != nil {
		return AggregateResult{}, err
	}
	res.Cursor = cursor
	return res, nil
}

func isCursored(r resp.Reply) bool {
	if r.Kind != resp.KindArray || len(r.Elems) != 2 {
		return false
	}
	inner := r.Elems[0].Kind
	return (inner == resp.KindArray || inner == resp.KindMap) && r.Elems[1].Kind == resp.KindInt
}

func parseAggregate2(reply resp.Reply) (AggregateResult, error) {
	if len(reply.Elems) == 0 {
		return AggregateResult{}, malformed("empty aggregate reply")
	}
	total, err := reply.Elems[0].AsInt()
	if err != nil {
		return AggregateResult{}, malformed("aggregate total: %v", err)
	}
	res := AggregateResult{Total: total}
	for _, row := range reply.Elems[1:] {
		fields, err := fieldMap(row)
		if err != nil {
			return AggregateResult{}, err
		}
		res.Rows = append(res.Rows, Row(fields))
	}
	return res, nil
}

func parseAggregate3(reply resp.Reply) (AggregateResult, error) {
	var res AggregateResult
	if t, ok := reply.Get("total_results"); ok {
		total, err := t.AsInt()
		if err != nil {
			return AggregateResult{}, malformed("total_results: %v", err)
		}
		res.Total = total
	}
	results, _ := reply.Get("results")
	for _, item := range results.Elems {
		attrs, ok := item.Get("extra_attributes")
		if !ok {
			attrs = resp.Map()
		}
		fields, err := fieldMap(attrs)
		if err != nil {
			return AggregateResult{}, err
		}
		res.Rows = append(res.Rows, Row(fields))
	}
	res.Warnings = warnings(reply, "warning")
	return res, nil
}

// =============================================================================
// Hybrid / Profile
// =============================================================================

// ParseHybrid parses an FT.HYBRID reply. Both protocols carry the same
// key/value layout; RESP2 flattens it.
func ParseHybrid(reply resp.Reply) (HybridResult, error) {
	if reply.Kind == resp.KindError {
		return HybridResult{}, malformed("error reply: %s", reply.Str)
	}
	if _, ok := reply.AsPairs(); !ok {
		return HybridResult{}, malformed("hybrid reply is %s", reply.Kind)
	}
	var res HybridResult
	if t, ok := reply.Get("total_results"); ok {
		total, err := t.AsInt()
		if err != nil {
			return HybridResult{}, malformed("total_results: %v", err)
		}
		res.Total = total
	}
	results, _ := reply.Get("results")
	for _, item := range results.Elems {
		pairs, ok := item.AsPairs()
		if !ok {
			return HybridResult{}, malformed("hybrid result is %s", item.Kind)
		}
		doc := HybridDoc{Fields: map[string]string{}}
		for _, p := range pairs {
			switch name := p.Key.Text(); name {
			case "__key":
				doc.Key = p.Value.Text()
			case "__score":
				score, err := p.Value.AsFloat()
				if err != nil {
					return HybridResult{}, malformed("hybrid score: %v", err)
				}
				doc.Score = score
			default:
				doc.Fields[name] = leafText(p.Value)
			}
		}
		res.Results = append(res.Results, doc)
	}
	res.Warnings = warnings(reply, "warnings")
	return res, nil
}

// ParseProfile splits an FT.PROFILE reply into its result and profile halves.
func ParseProfile(reply resp.Reply) (ProfileResult, error) {
	switch reply.Kind {
	case resp.KindMap:
		result, ok := getAny(reply, "Results", "results")
		if !ok {
			return ProfileResult{}, malformed("profile reply without results")
		}
		profile, _ := getAny(reply, "Profile", "profile")
		return ProfileResult{Result: result, Profile: profile}, nil
	case resp.KindArray:
		if len(reply.Elems) != 2 {
			return ProfileResult{}, malformed("profile reply has %d elements", len(reply.Elems))
		}
		return ProfileResult{Result: reply.Elems[0], Profile: reply.Elems[1]}, nil
	default:
		return ProfileResult{}, malformed("profile reply is %s", reply.Kind)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func fieldMap(r resp.Reply) (map[string]string, error) {
	pairs, ok := r.AsPairs()
	if !ok {
		return nil, malformed("field list is %s with %d elements", r.Kind, r.Len())
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.Key.Text()] = leafText(p.Value)
	}
	return out, nil
}

func leafText(r resp.Reply) string {
	switch r.Kind {
	case resp.KindArray, resp.KindMap, resp.KindError:
		return r.String()
	default:
		return r.Text()
	}
}

func warnings(r resp.Reply, key string) []string {
	w, ok := r.Get(key)
	if !ok {
		return nil
	}
	var out []string
	for _, e := range w.Elems {
		out = append(out, e.Text())
	}
	return out
}

func getAny(r resp.Reply, keys ...string) (resp.Reply, bool) {
	for _, k := range keys {
		if v, ok := r.Get(k); ok {
			return v, true
		}
	}
	return resp.Reply{}, false
}
