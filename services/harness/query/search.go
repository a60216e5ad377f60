// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query builds the search command families and parses their replies.
//
// Four families are produced: search (FT.SEARCH), aggregate (FT.AGGREGATE),
// cursored aggregate (FT.AGGREGATE WITHCURSOR + FT.CURSOR READ) and hybrid
// (FT.HYBRID). Builders are plain structs whose Args method renders the
// command; the Parse functions turn RESP2 arrays and RESP3 maps into the same
// canonical result types so replies can be compared across protocols.
package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/searchstress/services/harness/client"
)

// Family identifies a query family.
type Family string

const (
	FamilySearch    Family = "search"
	FamilyAggregate Family = "aggregate"
	FamilyCursored  Family = "cursored_aggregate"
	FamilyHybrid    Family = "hybrid"
)

// ErrInvalidQuery is returned when a builder cannot render a command.
var ErrInvalidQuery = errors.New("invalid query")

// Query is any buildable query.
type Query interface {
	// Family reports which comparison rules apply.
	Family() Family

	// IndexName is the target index.
	IndexName() string

	// Args renders the full command.
	Args() ([]any, error)
}

// =============================================================================
// Options
// =============================================================================

// Timeout policies for search-on-timeout.
const (
	OnTimeoutReturn = "return"
	OnTimeoutFail   = "fail"
)

// Options are shared by every query.
type Options struct {
	// Dialect is 2..5; zero omits DIALECT.
	Dialect int

	// TimeoutMS is the per-query TIMEOUT; zero omits it.
	TimeoutMS int

	// OnTimeout is applied through ApplyTimeoutPolicy, not per command.
	OnTimeout string
}

func (o Options) validate() error {
	if o.Dialect != 0 && (o.Dialect < 2 || o.Dialect > 5) {
		return fmt.Errorf("%w: dialect %d outside 2..5", ErrInvalidQuery, o.Dialect)
	}
	if o.TimeoutMS < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidQuery)
	}
	switch o.OnTimeout {
	case "", OnTimeoutReturn, OnTimeoutFail:
	default:
		return fmt.Errorf("%w: on-timeout policy %q", ErrInvalidQuery, o.OnTimeout)
	}
	return nil
}

func (o Options) timeoutArgs() []any {
	if o.TimeoutMS == 0 {
		return nil
	}
	return []any{"TIMEOUT", strconv.Itoa(o.TimeoutMS)}
}

func (o Options) dialectArgs() []any {
	if o.Dialect == 0 {
		return nil
	}
	return []any{"DIALECT", strconv.Itoa(o.Dialect)}
}

// Param is one PARAMS entry.
type Param struct {
	Name  string
	Value any
}

func paramArgs(params []Param) []any {
	if len(params) == 0 {
		return nil
	}
	out := []any{"PARAMS", strconv.Itoa(2 * len(params))}
	for _, p := range params {
		out = append(out, p.Name, p.Value)
	}
	return out
}

// Window is a LIMIT offset/count pair.
type Window struct {
	Offset int
	Num    int
}

func (w *Window) args() []any {
	if w == nil {
		return nil
	}
	return []any{"LIMIT", strconv.Itoa(w.Offset), strconv.Itoa(w.Num)}
}

// ApplyTimeoutPolicy sets search-on-timeout on every executor.
func ApplyTimeoutPolicy(ctx context.Context, target client.Target, policy string) error {
	if policy != OnTimeoutReturn && policy != OnTimeoutFail {
		return fmt.Errorf("%w: on-timeout policy %q", ErrInvalidQuery, policy)
	}
	for i, exec := range target.Primaries() {
		if _, err := exec.Execute(ctx, "CONFIG", "SET", "search-on-timeout", policy); err != nil {
			return fmt.Errorf("set search-on-timeout on endpoint %d: %w", i, err)
		}
	}
	return nil
}

// =============================================================================
// Search
// =============================================================================

// KNN is a vector nearest-neighbour stage.
type KNN struct {
	K      int
	Field  string
	Param  string // defaults to "vec"
	Vector []byte
	// ScoreAlias names the distance field; empty uses the server default.
	ScoreAlias string
	EFRuntime  int
}

func (k *KNN) param() string {
	if k.Param == "" {
		return "vec"
	}
	return k.Param
}

// Search is an FT.SEARCH query.
type Search struct {
	Index      string
	Filter     Node
	KNN        *KNN
	SortBy     string
	SortDesc   bool
	Limit      *Window
	WithScores bool
	Scorer     string
	NoContent  bool
	Return     []string
	Params     []Param
	Options
}

// Family implements Query.
func (s *Search) Family() Family { return FamilySearch }

// IndexName implements Query.
func (s *Search) IndexName() string { return s.Index }

// QueryString renders the filter plus the KNN stage.
func (s *Search) QueryString() string {
	filter := Render(s.Filter)
	if s.KNN == nil {
		return filter
	}
	var sb strings.Builder
	sb.WriteString("(" + filter + ")=>[KNN " + strconv.Itoa(s.KNN.K) + " @" + s.KNN.Field + " $" + s.KNN.param())
	if s.KNN.EFRuntime > 0 {
		sb.WriteString(" EF_RUNTIME " + strconv.Itoa(s.KNN.EFRuntime))
	}
	if s.KNN.ScoreAlias != "" {
		sb.WriteString(" AS " + s.KNN.ScoreAlias)
	}
	sb.WriteByte(']')
	return sb.String()
}

// Args implements Query.
func (s *Search) Args() ([]any, error) {
	if s.Index == "" {
		return nil, fmt.Errorf("%w: search without index", ErrInvalidQuery)
	}
	if err := s.Options.validate(); err != nil {
		return nil, err
	}
	if s.KNN != nil && (s.KNN.K <= 0 || s.KNN.Field == "" || len(s.KNN.Vector) == 0) {
		return nil, fmt.Errorf("%w: KNN needs k, field and vector", ErrInvalidQuery)
	}

	args := []any{"FT.SEARCH", s.Index, s.QueryString()}
	if s.NoContent {
		args = append(args, "NOCONTENT")
	}
	if s.WithScores {
		args = append(args, "WITHSCORES")
	}
	if s.Scorer != "" {
		args = append(args, "SCORER", s.Scorer)
	}
	if len(s.Return) > 0 {
		args = append(args, "RETURN", strconv.Itoa(len(s.Return)))
		for _, f := range s.Return {
			args = append(args, f)
		}
	}
	if s.SortBy != "" {
		dir := "ASC"
		if s.SortDesc {
			dir = "DESC"
		}
		args = append(args, "SORTBY", s.SortBy, dir)
	}
	args = append(args, s.Limit.args()...)
	args = append(args, s.timeoutArgs()...)

	params := s.Params
	if s.KNN != nil {
		params = append(append([]Param(nil), params...), Param{Name: s.KNN.param(), Value: s.KNN.Vector})
	}
	args = append(args, paramArgs(params)...)
	args = append(args, s.dialectArgs()...)
	return args, nil
}
