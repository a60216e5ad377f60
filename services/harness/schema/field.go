// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is a field kind.
type Kind string

const (
	KindText     Kind = "TEXT"
	KindTag      Kind = "TAG"
	KindNumeric  Kind = "NUMERIC"
	KindGeo      Kind = "GEO"
	KindGeoShape Kind = "GEOSHAPE"
	KindVector   Kind = "VECTOR"
)

// CoordSystem selects planar or spherical geometry for GEOSHAPE fields.
type CoordSystem string

const (
	CoordFlat      CoordSystem = "FLAT"
	CoordSpherical CoordSystem = "SPHERICAL"
)

// Algorithm is a vector index algorithm.
type Algorithm string

const (
	AlgorithmFlat Algorithm = "FLAT"
	AlgorithmHNSW Algorithm = "HNSW"
)

// ElemType is a vector element type.
type ElemType string

const (
	Float32  ElemType = "FLOAT32"
	Float64  ElemType = "FLOAT64"
	Float16  ElemType = "FLOAT16"
	BFloat16 ElemType = "BFLOAT16"
	Int8     ElemType = "INT8"
	Uint8    ElemType = "UINT8"
)

// Size returns the packed size of one element in bytes.
func (t ElemType) Size() int {
	switch t {
	case Float64:
		return 8
	case Float32:
		return 4
	case Float16, BFloat16:
		return 2
	case Int8, Uint8:
		return 1
	default:
		return 0
	}
}

// Metric is a vector distance metric.
type Metric string

const (
	MetricL2     Metric = "L2"
	MetricIP     Metric = "IP"
	MetricCosine Metric = "COSINE"
)

// =============================================================================
// Per-kind options
// =============================================================================

// TextOptions configures a TEXT field.
type TextOptions struct {
	// Language is the stemming language. All text fields of a descriptor
	// must agree; the value is emitted as the index-level LANGUAGE.
	Language       string
	Phonetic       string // e.g. "dm:en"
	Weight         float64
	NoStem         bool
	Sortable       bool
	WithSuffixTrie bool
	IndexMissing   bool
	IndexEmpty     bool
}

// TagOptions configures a TAG field.
type TagOptions struct {
	Separator      string // single character, default ","
	CaseSensitive  bool
	Sortable       bool
	WithSuffixTrie bool
	IndexMissing   bool
	IndexEmpty     bool
}

// NumericOptions configures a NUMERIC field.
type NumericOptions struct {
	Sortable     bool
	IndexMissing bool
}

// GeoOptions configures GEO and GEOSHAPE fields. CoordSystem applies to
// GEOSHAPE only.
type GeoOptions struct {
	CoordSystem  CoordSystem
	IndexMissing bool
}

// VectorOptions configures a VECTOR field.
//
// FLAT uses InitialCap and BlockSize; HNSW uses M, EFConstruction,
// EFRuntime and Epsilon. Zero values are omitted.
type VectorOptions struct {
	Algorithm      Algorithm
	Type           ElemType
	Dim            int
	Metric         Metric
	InitialCap     int
	BlockSize      int
	M              int
	EFConstruction int
	EFRuntime      int
	Epsilon        float64
	IndexMissing   bool
}

// =============================================================================
// Field
// =============================================================================

// Field is one schema entry. Exactly one options pointer matching Kind is set.
type Field struct {
	// Name is the attribute name queries refer to (@name).
	Name string

	// Path is the JSON path for JSON storage. Empty means "$.<Name>".
	Path string

	Kind    Kind
	Text    *TextOptions
	Tag     *TagOptions
	Numeric *NumericOptions
	Geo     *GeoOptions
	Vector  *VectorOptions
}

// Text builds a TEXT field.
func Text(name string, opts TextOptions) Field {
	return Field{Name: name, Kind: KindText, Text: &opts}
}

// Tag builds a TAG field.
func Tag(name string, opts TagOptions) Field {
	return Field{Name: name, Kind: KindTag, Tag: &opts}
}

// Numeric builds a NUMERIC field.
func Numeric(name string, opts NumericOptions) Field {
	return Field{Name: name, Kind: KindNumeric, Numeric: &opts}
}

// Geo builds a GEO field.
func Geo(name string, opts GeoOptions) Field {
	return Field{Name: name, Kind: KindGeo, Geo: &opts}
}

// GeoShape builds a GEOSHAPE field.
func GeoShape(name string, opts GeoOptions) Field {
	if opts.CoordSystem == "" {
		opts.CoordSystem = CoordSpherical
	}
	return Field{Name: name, Kind: KindGeoShape, Geo: &opts}
}

// Vector builds a VECTOR field.
func Vector(name string, opts VectorOptions) Field {
	if opts.Algorithm == "" {
		opts.Algorithm = AlgorithmFlat
	}
	if opts.Type == "" {
		opts.Type = Float32
	}
	if opts.Metric == "" {
		opts.Metric = MetricL2
	}
	return Field{Name: name, Kind: KindVector, Vector: &opts}
}

// WithPath returns a copy of f indexed from a JSON path.
func (f Field) WithPath(path string) Field {
	f.Path = path
	return f
}

func (f Field) validate(storage Storage) error {
	if f.Name == "" {
		return fmt.Errorf("field with empty name")
	}
	if f.Path != "" && storage != StorageJSON {
		return fmt.Errorf("field %q: JSON path on %s storage", f.Name, storage)
	}
	if f.Path != "" && !strings.HasPrefix(f.Path, "$") {
		return fmt.Errorf("field %q: JSON path %q must start with $", f.Name, f.Path)
	}

	switch f.Kind {
	case KindText:
		if f.Text == nil {
			return fmt.Errorf("field %q: missing text options", f.Name)
		}
		if f.Text.Weight < 0 {
			return fmt.Errorf("field %q: negative weight", f.Name)
		}
	case KindTag:
		if f.Tag == nil {
			return fmt.Errorf("field %q: missing tag options", f.Name)
		}
		if len(f.Tag.Separator) > 1 {
			return fmt.Errorf("field %q: separator %q is not a single character", f.Name, f.Tag.Separator)
		}
	case KindNumeric:
		if f.Numeric == nil {
			return fmt.Errorf("field %q: missing numeric options", f.Name)
		}
	case KindGeo, KindGeoShape:
		if f.Geo == nil {
			return fmt.Errorf("field %q: missing geo options", f.Name)
		}
		if f.Kind == KindGeo && f.Geo.CoordSystem != "" {
			return fmt.Errorf("field %q: coordinate system applies to GEOSHAPE only", f.Name)
		}
		if f.Kind == KindGeoShape && f.Geo.CoordSystem != CoordFlat && f.Geo.CoordSystem != CoordSpherical {
			return fmt.Errorf("field %q: unknown coordinate system %q", f.Name, f.Geo.CoordSystem)
		}
	case KindVector:
		return f.validateVector()
	default:
		return fmt.Errorf("field %q: unknown kind %q", f.Name, f.Kind)
	}
	return nil
}

func (f Field) validateVector() error {
	v := f.Vector
	if v == nil {
		return fmt.Errorf("field %q: missing vector options", f.Name)
	}
	if v.Dim <= 0 {
		return fmt.Errorf("field %q: dimension must be positive", f.Name)
	}
	if v.Type.Size() == 0 {
		return fmt.Errorf("field %q: unknown element type %q", f.Name, v.Type)
	}
	switch v.Metric {
	case MetricL2, MetricIP, MetricCosine:
	default:
		return fmt.Errorf("field %q: unknown distance metric %q", f.Name, v.Metric)
	}
	switch v.Algorithm {
	case AlgorithmFlat:
		if v.M != 0 || v.EFConstruction != 0 || v.EFRuntime != 0 || v.Epsilon != 0 {
			return fmt.Errorf("field %q: HNSW tuning on a FLAT index", f.Name)
		}
	case AlgorithmHNSW:
		if v.BlockSize != 0 {
			return fmt.Errorf("field %q: BLOCK_SIZE on an HNSW index", f.Name)
		}
	default:
		return fmt.Errorf("field %q: unknown algorithm %q", f.Name, v.Algorithm)
	}
	return nil
}

// args renders the field's SCHEMA clause.
func (f Field) args(storage Storage) []any {
	var out []any
	if storage == StorageJSON {
		path := f.Path
		if path == "" {
			path = "$." + f.Name
		}
		out = append(out, path, "AS", f.Name)
	} else {
		out = append(out, f.Name)
	}
	out = append(out, string(f.Kind))

	switch f.Kind {
	case KindText:
		o := f.Text
		if o.Weight != 0 && o.Weight != 1 {
			out = append(out, "WEIGHT", strconv.FormatFloat(o.Weight, 'f', -1, 64))
		}
		if o.NoStem {
			out = append(out, "NOSTEM")
		}
		if o.Phonetic != "" {
			out = append(out, "PHONETIC", o.Phonetic)
		}
		out = appendFlags(out, o.WithSuffixTrie, o.IndexEmpty, o.IndexMissing, o.Sortable)
	case KindTag:
		o := f.Tag
		if o.Separator != "" {
			out = append(out, "SEPARATOR", o.Separator)
		}
		if o.CaseSensitive {
			out = append(out, "CASESENSITIVE")
		}
		out = appendFlags(out, o.WithSuffixTrie, o.IndexEmpty, o.IndexMissing, o.Sortable)
	case KindNumeric:
		out = appendFlags(out, false, false, f.Numeric.IndexMissing, f.Numeric.Sortable)
	case KindGeo:
		out = appendFlags(out, false, false, f.Geo.IndexMissing, false)
	case KindGeoShape:
		out = append(out, string(f.Geo.CoordSystem))
		out = appendFlags(out, false, false, f.Geo.IndexMissing, false)
	case KindVector:
		out = append(out, f.vectorArgs()...)
		out = appendFlags(out, false, false, f.Vector.IndexMissing, false)
	}
	return out
}

func (f Field) vectorArgs() []any {
	v := f.Vector
	params := []any{"TYPE", string(v.Type), "DIM", v.Dim, "DISTANCE_METRIC", string(v.Metric)}
	addInt := func(name string, n int) {
		if n != 0 {
			params = append(params, name, n)
		}
	}
	addInt("INITIAL_CAP", v.InitialCap)
	addInt("BLOCK_SIZE", v.BlockSize)
	addInt("M", v.M)
	addInt("EF_CONSTRUCTION", v.EFConstruction)
	addInt("EF_RUNTIME", v.EFRuntime)
	if v.Epsilon != 0 {
		params = append(params, "EPSILON", strconv.FormatFloat(v.Epsilon, 'f', -1, 64))
	}
	return append([]any{string(v.Algorithm), len(params)}, params...)
}

func appendFlags(out []any, suffixTrie, indexEmpty, indexMissing, sortable bool) []any {
	if suffixTrie {
		out = append(out, "WITHSUFFIXTRIE")
	}
	if indexEmpty {
		out = append(out, "INDEXEMPTY")
	}
	if indexMissing {
		out = append(out, "INDEXMISSING")
	}
	if sortable {
		out = append(out, "SORTABLE")
	}
	return out
}
