// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/services/harness/client"
	"github.com/AleutianAI/searchstress/services/harness/client/clienttest"
	"github.com/AleutianAI/searchstress/services/harness/query"
)

func searchReply(keys ...string) resp.Reply {
	elems := []resp.Reply{resp.Int(int64(len(keys)))}
	for _, k := range keys {
		elems = append(elems, resp.Bulk(k), resp.Array(resp.Bulk("n"), resp.Bulk(k)))
	}
	return resp.Array(elems...)
}

func endpoints(fakes ...*clienttest.Fake) []client.Executor {
	return clienttest.Executors(fakes...)
}

func asMismatch(t *testing.T, err error) *MismatchError {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.OracleMismatch))
	var m *MismatchError
	require.True(t, errors.As(err, &m), "expected *MismatchError, got %v", err)
	return m
}

func TestVerify_SearchAgrees(t *testing.T) {
	a := clienttest.New().Reply("FT.SEARCH", searchReply("d1", "d2"))
	b := clienttest.New().Reply("FT.SEARCH", searchReply("d1", "d2"))
	o := New(Config{})
	q := &query.Search{Index: "idx", SortBy: "n"}
	assert.NoError(t, o.Verify(context.Background(), q, endpoints(a, b), nil))
}

func TestVerify_SearchOrderMatters(t *testing.T) {
	a := clienttest.New().Reply("FT.SEARCH", searchReply("d1", "d2"))
	b := clienttest.New().Reply("FT.SEARCH", searchReply("d2", "d1"))
	err := New(Config{}).Verify(context.Background(), &query.Search{Index: "idx"}, endpoints(a, b), nil)
	m := asMismatch(t, err)
	assert.Equal(t, 1, m.Endpoint)
	assert.Contains(t, m.Command, "FT.SEARCH idx *")
	assert.NotEmpty(t, m.Diff)
}

func TestVerify_SearchDuplicateKeys(t *testing.T) {
	a := clienttest.New().Reply("FT.SEARCH", searchReply("d1", "d1"))
	err := New(Config{}).Verify(context.Background(), &query.Search{Index: "idx"}, endpoints(a), nil)
	m := asMismatch(t, err)
	assert.Contains(t, m.Diff, "duplicate keys: d1")
}

func TestVerify_AgainstBaseline(t *testing.T) {
	before := clienttest.New().Reply("FT.SEARCH", searchReply("d1"))
	o := New(Config{})
	q := &query.Search{Index: "idx"}
	exp, err := o.Baseline(context.Background(), q, before)
	require.NoError(t, err)

	after := clienttest.New().Reply("FT.SEARCH", searchReply("d1", "d9"))
	m := asMismatch(t, o.Verify(context.Background(), q, endpoints(after), exp))
	assert.Equal(t, 0, m.Endpoint)
}

func TestVerify_AggregateUnorderedUsesSortedStream(t *testing.T) {
	rows := func(vals ...string) resp.Reply {
		elems := []resp.Reply{resp.Int(int64(len(vals)))}
		for _, v := range vals {
			elems = append(elems, resp.Array(resp.Bulk("n"), resp.Bulk(v)))
		}
		return resp.Array(elems...)
	}
	a := clienttest.New().Reply("FT.AGGREGATE", rows("1", "2"))
	b := clienttest.New().Reply("FT.AGGREGATE", rows("2", "1"))
	o := New(Config{})

	unordered := &query.Aggregate{Index: "idx", Load: []string{"@n"}}
	assert.NoError(t, o.Verify(context.Background(), unordered, endpoints(a, b), nil))

	ordered := &query.Aggregate{Index: "idx", Load: []string{"@n"},
		Steps: []query.Step{query.SortBy{Keys: []query.SortKey{{Field: "@n"}}}}}
	asMismatch(t, o.Verify(context.Background(), ordered, endpoints(a, b), nil))
}

func TestVerify_CursoredDrainsBeforeComparing(t *testing.T) {
	page := func(v string, cursor int64) resp.Reply {
		return resp.Array(resp.Array(resp.Int(2), resp.Array(resp.Bulk("n"), resp.Bulk(v))), resp.Int(cursor))
	}
	a := clienttest.New().
		Reply("FT.AGGREGATE", page("1", 4)).
		Reply("FT.CURSOR READ", page("2", 0))
	b := clienttest.New().
		Reply("FT.AGGREGATE", resp.Array(resp.Array(resp.Int(2),
			resp.Array(resp.Bulk("n"), resp.Bulk("2")),
			resp.Array(resp.Bulk("n"), resp.Bulk("1"))), resp.Int(0)))

	q := &query.Aggregate{Index: "idx", Load: []string{"@n"}, Cursor: &query.Cursor{Count: 1}}
	require.NoError(t, New(Config{}).Verify(context.Background(), q, endpoints(a, b), nil))
	assert.Len(t, a.CallsMatching("FT.CURSOR READ"), 1)
}

func hybridReply(pairs ...any) resp.Reply {
	var results []resp.Reply
	for i := 0; i < len(pairs); i += 2 {
		results = append(results, resp.Array(
			resp.Bulk("__key"), resp.Bulk(pairs[i].(string)),
			resp.Bulk("__score"), resp.Double(pairs[i+1].(float64)),
		))
	}
	return resp.Map(
		resp.KV("total_results", resp.Int(int64(len(results)))),
		resp.KV("results", resp.Array(results...)),
		resp.KV("warnings", resp.Array()),
	)
}

func TestVerify_HybridToleratesKeyOrder(t *testing.T) {
	q := &query.Hybrid{Index: "idx", VectorField: "v", Vector: []byte{1, 0, 0, 0}, K: 2}
	a := clienttest.New().Reply("FT.HYBRID", hybridReply("d1", 0.5, "d2", 0.5))
	b := clienttest.New().Reply("FT.HYBRID", hybridReply("d2", 0.5, "d1", 0.5))
	assert.NoError(t, New(Config{}).Verify(context.Background(), q, endpoints(a, b), nil))
}

func TestVerify_HybridRankingRegression(t *testing.T) {
	q := &query.Hybrid{Index: "idx", VectorField: "v", Vector: []byte{1, 0, 0, 0}, K: 2}
	a := clienttest.New().Reply("FT.HYBRID", hybridReply("d1", 0.5, "d2", 0.25))
	b := clienttest.New().Reply("FT.HYBRID", hybridReply("d1", 0.25, "d2", 0.5))
	m := asMismatch(t, New(Config{}).Verify(context.Background(), q, endpoints(a, b), nil))
	assert.Contains(t, m.Diff, "score sequence differs")
}

func TestVerify_HybridKeySetAndDuplicates(t *testing.T) {
	q := &query.Hybrid{Index: "idx", VectorField: "v", Vector: []byte{1, 0, 0, 0}, K: 2}
	a := clienttest.New().Reply("FT.HYBRID", hybridReply("d1", 0.5, "d2", 0.5))
	b := clienttest.New().Reply("FT.HYBRID", hybridReply("d1", 0.5, "d3", 0.5))
	m := asMismatch(t, New(Config{}).Verify(context.Background(), q, endpoints(a, b), nil))
	assert.Contains(t, m.Diff, "key set differs")

	c := clienttest.New().Reply("FT.HYBRID", hybridReply("d1", 0.5, "d1", 0.5))
	m = asMismatch(t, New(Config{}).Verify(context.Background(), q, endpoints(c), nil))
	assert.Contains(t, m.Diff, "duplicate keys")
}

func TestVerify_CommandErrorIsNotMismatch(t *testing.T) {
	a := clienttest.New().Fail("FT.SEARCH", "Unknown index name")
	err := New(Config{}).Verify(context.Background(), &query.Search{Index: "idx"}, endpoints(a), nil)
	require.Error(t, err)
	assert.False(t, errkind.Is(err, errkind.OracleMismatch))
	assert.True(t, errkind.Is(err, errkind.ServerRefused))
	assert.Len(t, a.Calls(), 1, "the oracle never retries")
}

func TestVerifyProfile_ComparesResultHalf(t *testing.T) {
	a := clienttest.New().Reply("FT.PROFILE", resp.Array(searchReply("d1"), resp.Array(resp.Bulk("Shards"))))
	b := clienttest.New().Reply("FT.PROFILE", resp.Map(
		resp.KV("Results", searchReply("d1")),
		resp.KV("Profile", resp.Map(resp.KV("Shards", resp.Array()))),
	))
	o := New(Config{})
	q := &query.Search{Index: "idx"}
	require.NoError(t, o.VerifyProfile(context.Background(), q, endpoints(a, b), true, nil))
	assert.Equal(t, "LIMITED", a.Calls()[0][3])

	exp := &Expected{Search: &query.SearchResult{Total: 1, Docs: []query.Doc{{Key: "d2"}}}}
	asMismatch(t, o.VerifyProfile(context.Background(), q, endpoints(a), false, exp))
}
