// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resp

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromValue_Scalars(t *testing.T) {
	assert.Equal(t, Null(), FromValue(nil))
	assert.Equal(t, Int(7), FromValue(int64(7)))
	assert.Equal(t, Bulk("x"), FromValue("x"))
	assert.Equal(t, Bulk("raw"), FromValue([]byte("raw")))
	assert.Equal(t, Double(1.5), FromValue(1.5))
	assert.Equal(t, Bool(true), FromValue(true))
	assert.Equal(t, Bulk("12345678901234567890"), FromValue(new(big.Int).SetUint64(12345678901234567890)))
	assert.Equal(t, Error("ERR boom"), FromValue(errors.New("ERR boom")))
}

func TestFromValue_MapSortedByKey(t *testing.T) {
	r := FromValue(map[any]any{"b": int64(2), "a": int64(1)})
	require.Equal(t, KindMap, r.Kind)
	require.Len(t, r.Pairs, 2)
	assert.Equal(t, "a", r.Pairs[0].Key.Text())
	assert.Equal(t, "b", r.Pairs[1].Key.Text())
}

func TestGet_MapAndArray(t *testing.T) {
	m := Map(KV("total_results", Int(3)))
	a := Array(Bulk("total_results"), Int(3))

	for _, r := range []Reply{m, a} {
		v, ok := r.Get("total_results")
		require.True(t, ok)
		n, err := v.AsInt()
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	}

	_, ok := Array(Bulk("odd")).Get("odd")
	assert.False(t, ok)
}

func TestFlatten_MapBecomesAlternatingArray(t *testing.T) {
	r := Map(KV("k", Double(0.5)), KV("nested", Map(KV("x", Bool(true)))))
	want := Array(Bulk("k"), Bulk("0.5"), Bulk("nested"), Array(Bulk("x"), Bulk("1")))
	assert.Equal(t, want, r.Flatten())
}

func TestEqual_AcrossProtocols(t *testing.T) {
	resp3 := Map(KV("n", Double(3)), KV("name", Bulk("a")))
	resp2 := Array(Bulk("n"), Bulk("3"), Bulk("name"), Bulk("a"))
	assert.True(t, resp3.Equal(resp2))

	assert.False(t, Array(Bulk("a")).Equal(Array(Bulk("a"), Bulk("b"))))
	assert.False(t, Null().Equal(Bulk("")))
	assert.True(t, Int(10).Equal(Bulk("10")))
}

func TestSortedFlatten(t *testing.T) {
	r := Array(Map(KV("b", Int(2))), Array(Bulk("a"), Int(1)))
	assert.Equal(t, []string{"1", "2", "a", "b"}, r.SortedFlatten())
}

func TestAsFloat(t *testing.T) {
	f, err := Bulk("inf").AsFloat()
	require.NoError(t, err)
	assert.True(t, math.IsInf(f, 1))

	f, err = Int(4).AsFloat()
	require.NoError(t, err)
	assert.Equal(t, 4.0, f)

	_, err = Array().AsFloat()
	assert.Error(t, err)
}

func TestAsInt(t *testing.T) {
	n, err := Double(42).AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	_, err = Double(4.2).AsInt()
	assert.Error(t, err)

	_, err = Bulk("nope").AsInt()
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	r := Array(Int(1), Bulk("h1"), Map(KV("t", Null())), Error("ERR x"))
	assert.Equal(t, `[1, "h1", {"t": (nil)}, (error) ERR x]`, r.String())
}
