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
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/services/harness/client/clienttest"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		node Node
		want string
	}{
		{"nil", nil, "*"},
		{"wildcard", Wildcard{}, "*"},
		{"term", Term{Field: "t", Value: "hello"}, "@t:(hello)"},
		{"bare term", Term{Value: "hello"}, "hello"},
		{"tag", TagMatch{Field: "tag", Values: []string{"red", "a b"}}, `@tag:{red | a\ b}`},
		{"empty tag", TagMatch{Field: "t", Values: []string{""}}, `@t:{""}`},
		{"numeric", NumericRange{Field: "n", Min: 69, Max: 1420}, "@n:[69 1420]"},
		{"open numeric", NumericRange{Field: "n", Min: math.Inf(-1), Max: 5, ExclusiveMax: true}, "@n:[-inf (5]"},
		{"geo", GeoRadius{Field: "g", Lon: 1.5, Lat: -2, Radius: 10}, "@g:[1.5 -2 10 km]"},
		{"missing", IsMissing{Field: "t"}, "ismissing(@t)"},
		{"and", And{Term{Value: "a"}, Term{Value: "b"}}, "(a b)"},
		{"or", Or{Term{Value: "a"}, Term{Value: "b"}}, "(a | b)"},
		{"not", Not{Child: Term{Value: "a"}}, "-(a)"},
		{"optional", Optional{Child: Term{Value: "a"}}, "~(a)"},
		{"weighted", Weighted{Child: Term{Value: "a"}, Weight: 2}, "(a) => { $weight: 2; }"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.node))
		})
	}
}

func TestSearch_Args(t *testing.T) {
	s := &Search{
		Index:      "idx",
		Filter:     NumericRange{Field: "n", Min: 0, Max: 10},
		SortBy:     "n",
		Limit:      &Window{Offset: 0, Num: 100},
		WithScores: true,
		Return:     []string{"n"},
		Options:    Options{Dialect: 2, TimeoutMS: 500},
	}
	args, err := s.Args()
	require.NoError(t, err)
	assert.Equal(t, []any{
		"FT.SEARCH", "idx", "@n:[0 10]", "WITHSCORES", "RETURN", "1", "n",
		"SORTBY", "n", "ASC", "LIMIT", "0", "100", "TIMEOUT", "500", "DIALECT", "2",
	}, args)
}

func TestSearch_KNN(t *testing.T) {
	s := &Search{
		Index:   "idx",
		KNN:     &KNN{K: 10, Field: "vector", Vector: []byte{1, 2, 3, 4}, ScoreAlias: "dist"},
		Options: Options{Dialect: 2},
	}
	args, err := s.Args()
	require.NoError(t, err)
	assert.Equal(t, "(*)=>[KNN 10 @vector $vec AS dist]", args[2])
	assert.Equal(t, []any{"PARAMS", "2", "vec", []byte{1, 2, 3, 4}, "DIALECT", "2"}, args[3:])
}

func TestSearch_Invalid(t *testing.T) {
	_, err := (&Search{}).Args()
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = (&Search{Index: "i", Options: Options{Dialect: 1}}).Args()
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = (&Search{Index: "i", KNN: &KNN{K: 1, Field: "v"}}).Args()
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestAggregate_Args(t *testing.T) {
	a := &Aggregate{
		Index: "idx",
		Load:  []string{"@n"},
		Steps: []Step{
			GroupBy{Reducers: []Reducer{{Func: "QUANTILE", Args: []string{"@n", "0.5"}, As: "q50"}}},
			SortBy{Keys: []SortKey{{Field: "@q50", Desc: true}}, Max: 5},
		},
		Cursor: &Cursor{Count: 10, MaxIdle: 2 * time.Second},
	}
	args, err := a.Args()
	require.NoError(t, err)
	assert.Equal(t, []any{
		"FT.AGGREGATE", "idx", "*", "LOAD", "1", "@n",
		"GROUPBY", "0", "REDUCE", "QUANTILE", "2", "@n", "0.5", "AS", "q50",
		"SORTBY", "2", "@q50", "DESC", "MAX", "5",
		"WITHCURSOR", "COUNT", "10", "MAXIDLE", "2000",
	}, args)
	assert.Equal(t, FamilyCursored, a.Family())
	assert.True(t, a.Ordered())
	assert.False(t, (&Aggregate{Index: "i", Steps: []Step{Apply{Expr: "@n*2", As: "d"}}}).Ordered())
}

func TestHybrid_Args(t *testing.T) {
	h := &Hybrid{
		Index:       "idx",
		Search:      TagMatch{Field: "tag", Values: []string{"red"}},
		VectorField: "vector",
		Vector:      []byte{0, 0, 128, 63},
		K:           10,
		Limit:       &Window{Offset: 0, Num: 10},
	}
	args, err := h.Args()
	require.NoError(t, err)
	assert.Equal(t, []any{
		"FT.HYBRID", "idx", "SEARCH", "@tag:{red}", "VSIM", "@vector", "$vec",
		"KNN", "2", "K", "10", "COMBINE", "RRF", "4", "CONSTANT", "60", "WINDOW", "20",
		"LIMIT", "0", "10", "PARAMS", "2", "vec", []byte{0, 0, 128, 63},
	}, args)
}

func TestProfileArgs(t *testing.T) {
	args, err := ProfileArgs(&Search{Index: "idx", Filter: Term{Value: "hello"}}, true)
	require.NoError(t, err)
	assert.Equal(t, []any{"FT.PROFILE", "idx", "SEARCH", "LIMITED", "QUERY", "hello"}, args)

	args, err = ProfileArgs(&Aggregate{Index: "idx"}, false)
	require.NoError(t, err)
	assert.Equal(t, []any{"FT.PROFILE", "idx", "AGGREGATE", "QUERY", "*"}, args)

	_, err = ProfileArgs(&Hybrid{Index: "idx", VectorField: "v", Vector: []byte{1}, K: 1}, false)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestParseSearch_RESP2(t *testing.T) {
	reply := resp.Array(
		resp.Int(2),
		resp.Bulk("doc:1"), resp.Bulk("0.5"), resp.Array(resp.Bulk("n"), resp.Bulk("1")),
		resp.Bulk("doc:2"), resp.Bulk("0.25"), resp.Array(resp.Bulk("n"), resp.Bulk("2")),
	)
	res, err := ParseSearch(reply, &Search{WithScores: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Total)
	assert.Equal(t, []string{"doc:1", "doc:2"}, res.Keys())
	require.NotNil(t, res.Docs[1].Score)
	assert.InDelta(t, 0.25, *res.Docs[1].Score, 1e-9)
	assert.Equal(t, map[string]string{"n": "2"}, res.Docs[1].Fields)

	res, err = ParseSearch(resp.Array(resp.Int(3), resp.Bulk("a"), resp.Bulk("b")), &Search{NoContent: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Keys())
}

func TestParseSearch_ProtocolsAgree(t *testing.T) {
	resp2 := resp.Array(resp.Int(1), resp.Bulk("doc:1"), resp.Array(resp.Bulk("n"), resp.Bulk("1")))
	resp3 := resp.Map(
		resp.KV("attributes", resp.Array()),
		resp.KV("results", resp.Array(resp.Map(
			resp.KV("id", resp.Bulk("doc:1")),
			resp.KV("extra_attributes", resp.Map(resp.KV("n", resp.Bulk("1")))),
			resp.KV("values", resp.Array()),
		))),
		resp.KV("total_results", resp.Int(1)),
		resp.KV("warning", resp.Array()),
	)
	a, err := ParseSearch(resp2, &Search{})
	require.NoError(t, err)
	b, err := ParseSearch(resp3, &Search{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestParseSearch_Malformed(t *testing.T) {
	_, err := ParseSearch(resp.Array(resp.Int(1), resp.Bulk("doc:1")), &Search{})
	assert.ErrorIs(t, err, ErrMalformedReply)
	_, err = ParseSearch(resp.Bulk("x"), nil)
	assert.ErrorIs(t, err, ErrMalformedReply)
}

func TestParseAggregate(t *testing.T) {
	row := resp.Array(resp.Bulk("q50"), resp.Bulk("744"))
	t.Run("resp2", func(t *testing.T) {
		res, err := ParseAggregate(resp.Array(resp.Int(1), row))
		require.NoError(t, err)
		assert.Equal(t, []Row{{"q50": "744"}}, res.Rows)
		assert.Zero(t, res.Cursor)
	})
	t.Run("cursored", func(t *testing.T) {
		res, err := ParseAggregate(resp.Array(resp.Array(resp.Int(1), row), resp.Int(77)))
		require.NoError(t, err)
		assert.Equal(t, int64(77), res.Cursor)
		assert.Len(t, res.Rows, 1)
	})
	t.Run("resp3", func(t *testing.T) {
		reply := resp.Map(
			resp.KV("results", resp.Array(resp.Map(
				resp.KV("extra_attributes", resp.Map(resp.KV("q50", resp.Bulk("744")))),
			))),
			resp.KV("total_results", resp.Int(1)),
			resp.KV("warning", resp.Array(resp.Bulk("Timeout limit was reached"))),
		)
		res, err := ParseAggregate(reply)
		require.NoError(t, err)
		assert.Equal(t, []Row{{"q50": "744"}}, res.Rows)
		assert.Equal(t, []string{"Timeout limit was reached"}, res.Warnings)
	})
}

func TestAggregateResult_SortedStream(t *testing.T) {
	a := AggregateResult{Rows: []Row{{"n": "2"}, {"n": "1", "t": "x"}}}
	b := AggregateResult{Rows: []Row{{"t": "x", "n": "1"}, {"n": "2"}}}
	assert.Equal(t, a.SortedStream(), b.SortedStream())
	assert.NotEqual(t, a.Stream(), b.Stream())
}

func TestParseHybrid(t *testing.T) {
	reply := resp.Array(
		resp.Bulk("total_results"), resp.Int(2),
		resp.Bulk("results"), resp.Array(
			resp.Array(resp.Bulk("__key"), resp.Bulk("doc:1"), resp.Bulk("__score"), resp.Bulk("0.032"), resp.Bulk("n"), resp.Bulk("1")),
			resp.Array(resp.Bulk("__key"), resp.Bulk("doc:2"), resp.Bulk("__score"), resp.Bulk("0.016")),
		),
		resp.Bulk("warnings"), resp.Array(),
		resp.Bulk("execution_time"), resp.Bulk("0.5"),
	)
	res, err := ParseHybrid(reply)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Total)
	assert.Equal(t, []string{"doc:1", "doc:2"}, res.Keys())
	assert.InDeltaSlice(t, []float64{0.032, 0.016}, res.Scores(), 1e-9)
	assert.Equal(t, "1", res.Results[0].Fields["n"])
}

func TestParseProfile(t *testing.T) {
	inner := resp.Array(resp.Int(0))
	p, err := ParseProfile(resp.Array(inner, resp.Array(resp.Bulk("Shards"))))
	require.NoError(t, err)
	assert.True(t, p.Result.Equal(inner))

	p, err = ParseProfile(resp.Map(resp.KV("Results", inner), resp.KV("Profile", resp.Map())))
	require.NoError(t, err)
	assert.True(t, p.Result.Equal(inner))

	_, err = ParseProfile(resp.Array(inner))
	assert.ErrorIs(t, err, ErrMalformedReply)
}

func TestDuplicates(t *testing.T) {
	assert.Empty(t, Duplicates([]string{"a", "b"}))
	assert.Equal(t, []string{"a"}, Duplicates([]string{"a", "b", "a"}))
}

func TestDrain_ReadsUntilCursorZero(t *testing.T) {
	page := func(n string, cursor int64) resp.Reply {
		return resp.Array(resp.Array(resp.Int(3), resp.Array(resp.Bulk("n"), resp.Bulk(n))), resp.Int(cursor))
	}
	fake := clienttest.New().
		Reply("FT.AGGREGATE", page("1", 9)).
		Sequence("FT.CURSOR READ", page("2", 9), page("3", 0))

	a := &Aggregate{Index: "idx", Load: []string{"@n"}, Cursor: &Cursor{Count: 1}}
	pages, err := Drain(context.Background(), fake, a)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Len(t, Concat(pages).Rows, 3)

	reads := fake.CallsMatching("FT.CURSOR READ")
	require.Len(t, reads, 2)
	assert.Equal(t, []string{"FT.CURSOR", "READ", "idx", "9", "COUNT", "1"}, reads[0])
}

func TestDrain_DeletesCursorOnError(t *testing.T) {
	fake := clienttest.New().
		Reply("FT.AGGREGATE", resp.Array(resp.Array(resp.Int(1)), resp.Int(5))).
		Fail("FT.CURSOR READ", "Cursor not found")
	_, err := Drain(context.Background(), fake, &Aggregate{Index: "idx", Cursor: &Cursor{Count: 1}})
	require.Error(t, err)
	assert.Len(t, fake.CallsMatching("FT.CURSOR DEL"), 1)
}

func TestApplyTimeoutPolicy(t *testing.T) {
	a, b := clienttest.New(), clienttest.New()
	require.NoError(t, ApplyTimeoutPolicy(context.Background(), clienttest.Executors(a, b), OnTimeoutFail))
	assert.Equal(t, [][]string{{"CONFIG", "SET", "search-on-timeout", "fail"}}, b.Calls())
	assert.Error(t, ApplyTimeoutPolicy(context.Background(), clienttest.Executors(a), "ignore"))
}
