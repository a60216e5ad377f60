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
)

// RRF defaults used when Hybrid leaves them zero.
const (
	DefaultRRFConstant = 60
	DefaultRRFWindow   = 20
)

// Hybrid is an FT.HYBRID query: a text-or-tag filter fused with a KNN stage
// by reciprocal-rank fusion.
type Hybrid struct {
	Index       string
	Search      Node
	VectorField string
	Vector      []byte
	K           int
	RRFConstant int
	Window      int
	Limit       *Window
	Load        []string
	Options
}

// Family implements Query.
func (h *Hybrid) Family() Family { return FamilyHybrid }

// IndexName implements Query.
func (h *Hybrid) IndexName() string { return h.Index }

// Args implements Query.
func (h *Hybrid) Args() ([]any, error) {
	if h.Index == "" || h.VectorField == "" || len(h.Vector) == 0 || h.K <= 0 {
		return nil, fmt.Errorf("%w: hybrid needs index, vector field, vector and k", ErrInvalidQuery)
	}
	if err := h.Options.validate(); err != nil {
		return nil, err
	}
	constant, window := h.RRFConstant, h.Window
	if constant == 0 {
		constant = DefaultRRFConstant
	}
	if window == 0 {
		window = DefaultRRFWindow
	}

	args := []any{
		"FT.HYBRID", h.Index,
		"SEARCH", Render(h.Search),
		"VSIM", "@" + h.VectorField, "$vec",
		"KNN", "2", "K", strconv.Itoa(h.K),
		"COMBINE", "RRF", "4", "CONSTANT", strconv.Itoa(constant), "WINDOW", strconv.Itoa(window),
	}
	args = append(args, h.Limit.args()...)
	if len(h.Load) > 0 {
		args = append(args, "LOAD", strconv.Itoa(len(h.Load)))
		for _, f := range h.Load {
			args = append(args, f)
		}
	}
	args = append(args, h.timeoutArgs()...)
	args = append(args, "PARAMS", "2", "vec", h.Vector)
	return args, nil
}

// =============================================================================
// Profile
// =============================================================================

// ProfileArgs wraps a search or aggregate query in FT.PROFILE.
func ProfileArgs(q Query, limited bool) ([]any, error) {
	var kind string
	switch q.Family() {
	case FamilySearch:
		kind = "SEARCH"
	case FamilyAggregate, FamilyCursored:
		kind = "AGGREGATE"
	default:
		return nil, fmt.Errorf("%w: %s queries cannot be profiled", ErrInvalidQuery, q.Family())
	}
	inner, err := q.Args()
	if err != nil {
		return nil, err
	}
	args := []any{"FT.PROFILE", q.IndexName(), kind}
	if limited {
		args = append(args, "LIMITED")
	}
	args = append(args, "QUERY")
	return append(args, inner[2:]...), nil
}
