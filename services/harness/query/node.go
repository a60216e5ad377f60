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
	"math"
	"strconv"
	"strings"
)

// Node is a filter tree node. Render produces query syntax.
type Node interface {
	render(sb *strings.Builder)
}

// Render returns the query string for n. A nil node renders as "*".
func Render(n Node) string {
	if n == nil {
		return "*"
	}
	var sb strings.Builder
	n.render(&sb)
	return sb.String()
}

// =============================================================================
// Leaves
// =============================================================================

// Wildcard matches every document.
type Wildcard struct{}

func (Wildcard) render(sb *strings.Builder) { sb.WriteByte('*') }

// Term matches text. An empty Field searches every text field.
type Term struct {
	Field string
	Value string
}

func (t Term) render(sb *strings.Builder) {
	if t.Field == "" {
		sb.WriteString(t.Value)
		return
	}
	sb.WriteString("@" + t.Field + ":(" + t.Value + ")")
}

// TagMatch matches any of Values on a tag field. An empty value matches
// documents indexed with INDEXEMPTY.
type TagMatch struct {
	Field  string
	Values []string
}

func (t TagMatch) render(sb *strings.Builder) {
	sb.WriteString("@" + t.Field + ":{")
	for i, v := range t.Values {
		if i > 0 {
			sb.WriteString(" | ")
		}
		if v == "" {
			sb.WriteString(`""`)
		} else {
			sb.WriteString(EscapeTag(v))
		}
	}
	sb.WriteByte('}')
}

// NumericRange matches Min <= field <= Max, with optional exclusive bounds.
// Use math.Inf for open ends.
type NumericRange struct {
	Field        string
	Min, Max     float64
	ExclusiveMin bool
	ExclusiveMax bool
}

func (r NumericRange) render(sb *strings.Builder) {
	sb.WriteString("@" + r.Field + ":[")
	if r.ExclusiveMin {
		sb.WriteByte('(')
	}
	sb.WriteString(FormatNumber(r.Min))
	sb.WriteByte(' ')
	if r.ExclusiveMax {
		sb.WriteByte('(')
	}
	sb.WriteString(FormatNumber(r.Max))
	sb.WriteByte(']')
}

// GeoRadius matches points within Radius of (Lon, Lat). Unit is m, km, mi or ft.
type GeoRadius struct {
	Field    string
	Lon, Lat float64
	Radius   float64
	Unit     string
}

func (g GeoRadius) render(sb *strings.Builder) {
	unit := g.Unit
	if unit == "" {
		unit = "km"
	}
	sb.WriteString("@" + g.Field + ":[" + FormatNumber(g.Lon) + " " + FormatNumber(g.Lat) + " " +
		FormatNumber(g.Radius) + " " + unit + "]")
}

// IsMissing matches documents without Field (needs INDEXMISSING).
type IsMissing struct {
	Field string
}

func (m IsMissing) render(sb *strings.Builder) {
	sb.WriteString("ismissing(@" + m.Field + ")")
}

// Raw is literal query text.
type Raw string

func (r Raw) render(sb *strings.Builder) { sb.WriteString(string(r)) }

// =============================================================================
// Internal nodes
// =============================================================================

// And matches documents matching every child.
type And []Node

func (a And) render(sb *strings.Builder) { renderGroup(sb, a, " ") }

// Or matches documents matching any child.
type Or []Node

func (o Or) render(sb *strings.Builder) { renderGroup(sb, o, " | ") }

// Not excludes documents matching Child.
type Not struct{ Child Node }

func (n Not) render(sb *strings.Builder) {
	sb.WriteString("-(")
	n.Child.render(sb)
	sb.WriteByte(')')
}

// Optional boosts documents matching Child without requiring a match.
type Optional struct{ Child Node }

func (o Optional) render(sb *strings.Builder) {
	sb.WriteString("~(")
	o.Child.render(sb)
	sb.WriteByte(')')
}

// Weighted scales Child's score contribution.
type Weighted struct {
	Child  Node
	Weight float64
}

func (w Weighted) render(sb *strings.Builder) {
	sb.WriteByte('(')
	w.Child.render(sb)
	sb.WriteString(") => { $weight: " + FormatNumber(w.Weight) + "; }")
}

func renderGroup(sb *strings.Builder, children []Node, sep string) {
	sb.WriteByte('(')
	for i, c := range children {
		if i > 0 {
			sb.WriteString(sep)
		}
		c.render(sb)
	}
	sb.WriteByte(')')
}

// =============================================================================
// Formatting helpers
// =============================================================================

// FormatNumber renders f the way the query parser reads it.
func FormatNumber(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

const tagSpecials = ",.<>{}[]\"':;!@#$%^&*()-+=~|/\\ "

// EscapeTag backslash-escapes tag punctuation and spaces.
func EscapeTag(v string) string {
	var sb strings.Builder
	for _, r := range v {
		if strings.ContainsRune(tagSpecials, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
