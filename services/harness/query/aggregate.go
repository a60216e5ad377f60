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
	"fmt"
	"strconv"
	"time"
)

// Step is one aggregate pipeline stage.
type Step interface {
	args() []any
}

// Reducer is one REDUCE clause of a GroupBy.
type Reducer struct {
	Func string
	Args []string
	As   string
}

// GroupBy groups by Fields (possibly none) and applies Reducers.
type GroupBy struct {
	Fields   []string
	Reducers []Reducer
}

func (g GroupBy) args() []any {
	out := []any{"GROUPBY", strconv.Itoa(len(g.Fields))}
	for _, f := range g.Fields {
		out = append(out, f)
	}
	for _, r := range g.Reducers {
		out = append(out, "REDUCE", r.Func, strconv.Itoa(len(r.Args)))
		for _, a := range r.Args {
			out = append(out, a)
		}
		if r.As != "" {
			out = append(out, "AS", r.As)
		}
	}
	return out
}

// Apply computes Expr into As.
type Apply struct {
	Expr string
	As   string
}

func (a Apply) args() []any { return []any{"APPLY", a.Expr, "AS", a.As} }

// Filter drops rows failing Expr.
type Filter struct {
	Expr string
}

func (f Filter) args() []any { return []any{"FILTER", f.Expr} }

// SortKey is one SORTBY property.
type SortKey struct {
	Field string
	Desc  bool
}

// SortBy orders rows; Max caps the sorted set when positive.
type SortBy struct {
	Keys []SortKey
	Max  int
}

func (s SortBy) args() []any {
	out := []any{"SORTBY", strconv.Itoa(2 * len(s.Keys))}
	for _, k := range s.Keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		out = append(out, k.Field, dir)
	}
	if s.Max > 0 {
		out = append(out, "MAX", strconv.Itoa(s.Max))
	}
	return out
}

// Limit windows the row stream.
type Limit Window

func (l Limit) args() []any {
	return []any{"LIMIT", strconv.Itoa(l.Offset), strconv.Itoa(l.Num)}
}

// Cursor turns an aggregate into a cursored one.
type Cursor struct {
	// Count is the page size of every read.
	Count int

	// MaxIdle is how long the server keeps an idle cursor; zero omits it.
	MaxIdle time.Duration
}

// Aggregate is an FT.AGGREGATE query.
type Aggregate struct {
	Index   string
	Filter  Node
	Load    []string
	LoadAll bool
	Steps   []Step
	Cursor  *Cursor
	Params  []Param
	Options
}

// Family implements Query.
func (a *Aggregate) Family() Family {
	if a.Cursor != nil {
		return FamilyCursored
	}
	return FamilyAggregate
}

// IndexName implements Query.
func (a *Aggregate) IndexName() string { return a.Index }

// Ordered reports whether the pipeline sorts, in which case row order is
// significant.
func (a *Aggregate) Ordered() bool {
	for _, s := range a.Steps {
		if _, ok := s.(SortBy); ok {
			return true
		}
	}
	return false
}

// Args implements Query.
func (a *Aggregate) Args() ([]any, error) {
	if a.Index == "" {
		return nil, fmt.Errorf("%w: aggregate without index", ErrInvalidQuery)
	}
	if err := a.Options.validate(); err != nil {
		return nil, err
	}
	if a.Cursor != nil && a.Cursor.Count <= 0 {
		return nil, fmt.Errorf("%w: cursor count must be positive", ErrInvalidQuery)
	}

	args := []any{"FT.AGGREGATE", a.Index, Render(a.Filter)}
	switch {
	case a.LoadAll:
		args = append(args, "LOAD", "*")
	case len(a.Load) > 0:
		args = append(args, "LOAD", strconv.Itoa(len(a.Load)))
		for _, f := range a.Load {
			args = append(args, f)
		}
	}
	for _, s := range a.Steps {
		args = append(args, s.args()...)
	}
	if a.Cursor != nil {
		args = append(args, "WITHCURSOR", "COUNT", strconv.Itoa(a.Cursor.Count))
		if a.Cursor.MaxIdle > 0 {
			args = append(args, "MAXIDLE", strconv.FormatInt(a.Cursor.MaxIdle.Milliseconds(), 10))
		}
	}
	args = append(args, a.timeoutArgs()...)
	args = append(args, paramArgs(a.Params)...)
	args = append(args, a.dialectArgs()...)
	return args, nil
}

// CursorReadArgs renders FT.CURSOR READ.
func CursorReadArgs(index string, cursorID int64, count int) []any {
	args := []any{"FT.CURSOR", "READ", index, strconv.FormatInt(cursorID, 10)}
	if count > 0 {
		args = append(args, "COUNT", strconv.Itoa(count))
	}
	return args
}

// CursorDelArgs renders FT.CURSOR DEL.
func CursorDelArgs(index string, cursorID int64) []any {
	return []any{"FT.CURSOR", "DEL", index, strconv.FormatInt(cursorID, 10)}
}
