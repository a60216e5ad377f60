// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resp models server replies as a tagged sum.
//
// The same command answers with a flat array under RESP2 and with a typed
// map under RESP3. Reply captures both shapes:
//
//	Reply ::= Null | Int | Bulk | Double | Bool | Array(Reply*) | Map(Reply -> Reply) | Error
//
// Two projections cover what the oracle needs: Pairs (a map, or an array
// read as alternating key/value) and Flatten (a map rewritten as the
// RESP2 alternating array). Comparisons run on projections, so the oracle
// behaves the same under either protocol.
package resp

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Kind tags a Reply variant.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindBulk
	KindDouble
	KindBool
	KindArray
	KindMap
	KindError
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindBulk:
		return "bulk"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Reply is one server reply. Only the field matching Kind is meaningful.
type Reply struct {
	Kind   Kind
	Int    int64
	Str    string // Bulk payload or Error message
	Double float64
	Bool   bool
	Elems  []Reply // Array
	Pairs  []Pair  // Map, in server order
}

// Pair is one map entry.
type Pair struct {
	Key   Reply
	Value Reply
}

// Constructors.

func Null() Reply                { return Reply{Kind: KindNull} }
func Int(v int64) Reply          { return Reply{Kind: KindInt, Int: v} }
func Bulk(s string) Reply        { return Reply{Kind: KindBulk, Str: s} }
func Double(f float64) Reply     { return Reply{Kind: KindDouble, Double: f} }
func Bool(b bool) Reply          { return Reply{Kind: KindBool, Bool: b} }
func Array(elems ...Reply) Reply { return Reply{Kind: KindArray, Elems: elems} }
func Map(pairs ...Pair) Reply    { return Reply{Kind: KindMap, Pairs: pairs} }
func Error(msg string) Reply     { return Reply{Kind: KindError, Str: msg} }

// KV builds a Pair from two bulk strings.
func KV(key string, value Reply) Pair {
	return Pair{Key: Bulk(key), Value: value}
}

// IsNull reports whether r is the null reply.
func (r Reply) IsNull() bool { return r.Kind == KindNull }

// Len returns the element count of an array or the pair count of a map.
func (r Reply) Len() int {
	switch r.Kind {
	case KindArray:
		return len(r.Elems)
	case KindMap:
		return len(r.Pairs)
	default:
		return 0
	}
}

// Text renders scalar replies as the string a RESP2 client would see.
//
// Int and Double use their shortest decimal form, Bool is "1"/"0", Null is
// "". Aggregates render through String.
func (r Reply) Text() string {
	switch r.Kind {
	case KindBulk, KindError:
		return r.Str
	case KindInt:
		return strconv.FormatInt(r.Int, 10)
	case KindDouble:
		return formatDouble(r.Double)
	case KindBool:
		if r.Bool {
			return "1"
		}
		return "0"
	case KindNull:
		return ""
	default:
		return r.String()
	}
}

// AsInt converts Int, Bulk and integral Double replies to int64.
func (r Reply) AsInt() (int64, error) {
	switch r.Kind {
	case KindInt:
		return r.Int, nil
	case KindBulk:
		v, err := strconv.ParseInt(strings.TrimSpace(r.Str), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("reply %q is not an integer", r.Str)
		}
		return v, nil
	case KindDouble:
		if r.Double == math.Trunc(r.Double) {
			return int64(r.Double), nil
		}
		return 0, fmt.Errorf("reply %v is not integral", r.Double)
	default:
		return 0, fmt.Errorf("reply of kind %s is not an integer", r.Kind)
	}
}

// AsFloat converts Double, Int and Bulk replies to float64.
//
// Bulk accepts "inf", "-inf" and "nan" spellings the server emits.
func (r Reply) AsFloat() (float64, error) {
	switch r.Kind {
	case KindDouble:
		return r.Double, nil
	case KindInt:
		return float64(r.Int), nil
	case KindBulk:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, fmt.Errorf("reply %q is not a number", r.Str)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("reply of kind %s is not a number", r.Kind)
	}
}

// Get looks up a key in a map reply or in an alternating key/value array.
func (r Reply) Get(key string) (Reply, bool) {
	pairs, ok := r.AsPairs()
	if !ok {
		return Reply{}, false
	}
	for _, p := range pairs {
		if p.Key.Text() == key {
			return p.Value, true
		}
	}
	return Reply{}, false
}

// AsPairs projects a map reply, or an even-length array read as
// alternating key/value, onto a pair list.
func (r Reply) AsPairs() ([]Pair, bool) {
	switch r.Kind {
	case KindMap:
		return r.Pairs, true
	case KindArray:
		if len(r.Elems)%2 != 0 {
			return nil, false
		}
		pairs := make([]Pair, 0, len(r.Elems)/2)
		for i := 0; i < len(r.Elems); i += 2 {
			pairs = append(pairs, Pair{Key: r.Elems[i], Value: r.Elems[i+1]})
		}
		return pairs, true
	default:
		return nil, false
	}
}

// Flatten rewrites every map (recursively) as the RESP2 alternating array.
// Doubles and bools become bulk strings, matching RESP2 output.
func (r Reply) Flatten() Reply {
	switch r.Kind {
	case KindMap:
		elems := make([]Reply, 0, 2*len(r.Pairs))
		for _, p := range r.Pairs {
			elems = append(elems, p.Key.Flatten(), p.Value.Flatten())
		}
		return Array(elems...)
	case KindArray:
		elems := make([]Reply, len(r.Elems))
		for i, e := range r.Elems {
			elems[i] = e.Flatten()
		}
		return Array(elems...)
	case KindDouble, KindBool:
		return Bulk(r.Text())
	default:
		return r
	}
}

// SortedFlatten flattens r and renders each leaf as text, then sorts.
// It is the order-insensitive projection used for aggregate streams.
func (r Reply) SortedFlatten() []string {
	var out []string
	var walk func(Reply)
	walk = func(x Reply) {
		switch x.Kind {
		case KindArray:
			for _, e := range x.Elems {
				walk(e)
			}
		case KindMap:
			for _, p := range x.Pairs {
				walk(p.Key)
				walk(p.Value)
			}
		default:
			out = append(out, x.Text())
		}
	}
	walk(r)
	sort.Strings(out)
	return out
}

// Equal reports deep equality of the flattened forms.
func (r Reply) Equal(other Reply) bool {
	return equal(r.Flatten(), other.Flatten())
}

func equal(a, b Reply) bool {
	if a.Kind == KindArray && b.Kind == KindArray {
		if len(a.Elems) != len(b.Elems) {
			return false
		}
		for i := range a.Elems {
			if !equal(a.Elems[i], b.Elems[i]) {
				return false
			}
		}
		return true
	}
	if a.Kind == KindArray || b.Kind == KindArray {
		return false
	}
	if a.Kind == KindError || b.Kind == KindError {
		return a.Kind == b.Kind && a.Str == b.Str
	}
	if a.Kind == KindNull || b.Kind == KindNull {
		return a.Kind == b.Kind
	}
	return a.Text() == b.Text()
}

// String renders r compactly for logs and mismatch reports.
func (r Reply) String() string {
	var sb strings.Builder
	r.write(&sb)
	return sb.String()
}

func (r Reply) write(sb *strings.Builder) {
	switch r.Kind {
	case KindNull:
		sb.WriteString("(nil)")
	case KindError:
		sb.WriteString("(error) ")
		sb.WriteString(r.Str)
	case KindBulk:
		sb.WriteString(strconv.Quote(r.Str))
	case KindArray:
		sb.WriteByte('[')
		for i, e := range r.Elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.write(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, p := range r.Pairs {
			if i > 0 {
				sb.WriteString(", ")
			}
			p.Key.write(sb)
			sb.WriteString(": ")
			p.Value.write(sb)
		}
		sb.WriteByte('}')
	default:
		sb.WriteString(r.Text())
	}
}

// FromValue converts a decoded client value into a Reply.
//
// It understands what the RESP client yields for both protocol versions:
// int64, string, []byte, float64, bool, *big.Int, []any,
// map[any]any, map[string]any, nil, and error values embedded in arrays.
// RESP3 maps decoded into Go maps lose server order; keys are sorted so
// the projection is deterministic.
func FromValue(v any) Reply {
	switch t := v.(type) {
	case nil:
		return Null()
	case Reply:
		return t
	case int64:
		return Int(t)
	case int:
		return Int(int64(t))
	case string:
		return Bulk(t)
	case []byte:
		return Bulk(string(t))
	case float64:
		return Double(t)
	case bool:
		return Bool(t)
	case *big.Int:
		return Bulk(t.String())
	case error:
		return Error(t.Error())
	case []any:
		elems := make([]Reply, len(t))
		for i, e := range t {
			elems[i] = FromValue(e)
		}
		return Array(elems...)
	case []string:
		elems := make([]Reply, len(t))
		for i, e := range t {
			elems[i] = Bulk(e)
		}
		return Array(elems...)
	case map[any]any:
		pairs := make([]Pair, 0, len(t))
		for k, val := range t {
			pairs = append(pairs, Pair{Key: FromValue(k), Value: FromValue(val)})
		}
		sortPairs(pairs)
		return Map(pairs...)
	case map[string]any:
		pairs := make([]Pair, 0, len(t))
		for k, val := range t {
			pairs = append(pairs, KV(k, FromValue(val)))
		}
		sortPairs(pairs)
		return Map(pairs...)
	default:
		return Bulk(fmt.Sprint(t))
	}
}

func sortPairs(pairs []Pair) {
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Key.Text() < pairs[j].Key.Text()
	})
}

func formatDouble(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
