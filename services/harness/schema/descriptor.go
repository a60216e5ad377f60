// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema declares search indexes.
//
// A Descriptor is an ordered, named list of fields plus index options. It
// renders to FT.CREATE arguments and is immutable: AlterAdd returns a new
// descriptor with one more field.
//
//	desc, err := schema.New("idx", schema.Options{Prefixes: []string{"doc:"}},
//	    schema.Numeric("n", schema.NumericOptions{Sortable: true}),
//	    schema.Text("text", schema.TextOptions{}),
//	    schema.Vector("vector", schema.VectorOptions{Dim: 10}),
//	    schema.Tag("tag", schema.TagOptions{}),
//	)
package schema

import (
	"context"
	"fmt"

	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/services/harness/client"
)

// Storage is the record format an index covers.
type Storage string

const (
	StorageHash Storage = "HASH"
	StorageJSON Storage = "JSON"
)

// Options are index-level settings.
type Options struct {
	// Storage defaults to StorageHash.
	Storage Storage

	// Prefixes restricts the index to matching keys. Empty indexes every key.
	Prefixes []string

	// Filter is an expression evaluated per document, e.g. "@n > 0".
	Filter string

	// SkipInitialScan leaves existing keys unindexed.
	SkipInitialScan bool
}

// Descriptor is a validated index schema.
type Descriptor struct {
	name     string
	opts     Options
	language string
	fields   []Field
}

// New validates fields and builds a descriptor.
//
// # Outputs
//
//   - error: duplicate or empty field names, invalid per-kind options, or
//     text fields disagreeing on stemming language.
func New(name string, opts Options, fields ...Field) (*Descriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("index name must not be empty")
	}
	if opts.Storage == "" {
		opts.Storage = StorageHash
	}
	if opts.Storage != StorageHash && opts.Storage != StorageJSON {
		return nil, fmt.Errorf("index %q: unknown storage %q", name, opts.Storage)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("index %q: no fields", name)
	}

	d := &Descriptor{
		name:   name,
		opts:   Options{Storage: opts.Storage, Filter: opts.Filter, SkipInitialScan: opts.SkipInitialScan},
		fields: make([]Field, 0, len(fields)),
	}
	d.opts.Prefixes = append([]string(nil), opts.Prefixes...)

	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if err := f.validate(opts.Storage); err != nil {
			return nil, fmt.Errorf("index %q: %w", name, err)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("index %q: duplicate field %q", name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if err := d.adoptLanguage(f); err != nil {
			return nil, err
		}
		d.fields = append(d.fields, f)
	}
	return d, nil
}

func (d *Descriptor) adoptLanguage(f Field) error {
	if f.Kind != KindText || f.Text.Language == "" {
		return nil
	}
	if d.language != "" && d.language != f.Text.Language {
		return fmt.Errorf("index %q: field %q language %q conflicts with %q",
			d.name, f.Name, f.Text.Language, d.language)
	}
	d.language = f.Text.Language
	return nil
}

// Name returns the index name.
func (d *Descriptor) Name() string { return d.name }

// Storage returns the record format.
func (d *Descriptor) Storage() Storage { return d.opts.Storage }

// Prefixes returns the key prefixes.
func (d *Descriptor) Prefixes() []string { return append([]string(nil), d.opts.Prefixes...) }

// Language returns the stemming language, empty for the server default.
func (d *Descriptor) Language() string { return d.language }

// Fields returns the fields in declaration order.
func (d *Descriptor) Fields() []Field { return append([]Field(nil), d.fields...) }

// Field looks up a field by name.
func (d *Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldsOfKind returns the fields of kind k.
func (d *Descriptor) FieldsOfKind(k Kind) []Field {
	var out []Field
	for _, f := range d.fields {
		if f.Kind == k {
			out = append(out, f)
		}
	}
	return out
}

// AlterAdd returns a new descriptor with f appended. d is unchanged.
func (d *Descriptor) AlterAdd(f Field) (*Descriptor, error) {
	fields := append(d.Fields(), f)
	return New(d.name, Options{
		Storage:         d.opts.Storage,
		Prefixes:        d.opts.Prefixes,
		Filter:          d.opts.Filter,
		SkipInitialScan: d.opts.SkipInitialScan,
	}, fields...)
}

// =============================================================================
// Command forms
// =============================================================================

// CreateArgs renders FT.CREATE.
func (d *Descriptor) CreateArgs() []any {
	args := []any{"FT.CREATE", d.name, "ON", string(d.opts.Storage)}
	if len(d.opts.Prefixes) > 0 {
		args = append(args, "PREFIX", len(d.opts.Prefixes))
		for _, p := range d.opts.Prefixes {
			args = append(args, p)
		}
	}
	if d.opts.Filter != "" {
		args = append(args, "FILTER", d.opts.Filter)
	}
	if d.language != "" {
		args = append(args, "LANGUAGE", d.language)
	}
	if d.opts.SkipInitialScan {
		args = append(args, "SKIPINITIALSCAN")
	}
	args = append(args, "SCHEMA")
	for _, f := range d.fields {
		args = append(args, f.args(d.opts.Storage)...)
	}
	return args
}

// AlterAddArgs renders FT.ALTER ... SCHEMA ADD for f.
func (d *Descriptor) AlterAddArgs(f Field) []any {
	return append([]any{"FT.ALTER", d.name, "SCHEMA", "ADD"}, f.args(d.opts.Storage)...)
}

// DropArgs renders FT.DROPINDEX, with DD when deleteDocs is set.
func (d *Descriptor) DropArgs(deleteDocs bool) []any {
	args := []any{"FT.DROPINDEX", d.name}
	if deleteDocs {
		args = append(args, "DD")
	}
	return args
}

// InfoArgs renders FT.INFO.
func (d *Descriptor) InfoArgs() []any {
	return []any{"FT.INFO", d.name}
}

// =============================================================================
// Execution helpers
// =============================================================================

// Create issues FT.CREATE on exec.
func (d *Descriptor) Create(ctx context.Context, exec client.Executor) error {
	if _, err := exec.Execute(ctx, d.CreateArgs()...); err != nil {
		return fmt.Errorf("create index %s: %w", d.name, err)
	}
	return nil
}

// Drop issues FT.DROPINDEX on exec.
func (d *Descriptor) Drop(ctx context.Context, exec client.Executor, deleteDocs bool) error {
	if _, err := exec.Execute(ctx, d.DropArgs(deleteDocs)...); err != nil {
		return fmt.Errorf("drop index %s: %w", d.name, err)
	}
	return nil
}

// Info is the subset of FT.INFO the harness asserts on.
type Info struct {
	NumDocs          int64
	NumRecords       int64
	HashIndexingFail int64
	Indexing         bool
	PercentIndexed   float64
	InvertedSizeMB   float64
	BytesCollected   int64
	IndexingStatus   string // e.g. "OK" or "OOM failure" from indexing error fields
	Raw              resp.Reply
}

// FetchInfo issues FT.INFO and extracts Info. Missing entries stay zero.
func (d *Descriptor) FetchInfo(ctx context.Context, exec client.Executor) (Info, error) {
	reply, err := exec.Execute(ctx, d.InfoArgs()...)
	if err != nil {
		return Info{}, fmt.Errorf("info %s: %w", d.name, err)
	}
	return ParseInfo(reply), nil
}

// ParseInfo extracts Info from an FT.INFO reply of either protocol.
func ParseInfo(reply resp.Reply) Info {
	info := Info{Raw: reply}
	intOf := func(r resp.Reply, key string) int64 {
		v, ok := r.Get(key)
		if !ok {
			return 0
		}
		n, err := v.AsInt()
		if err != nil {
			f, ferr := v.AsFloat()
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	}
	floatOf := func(r resp.Reply, key string) float64 {
		v, ok := r.Get(key)
		if !ok {
			return 0
		}
		f, _ := v.AsFloat()
		return f
	}

	info.NumDocs = intOf(reply, "num_docs")
	info.NumRecords = intOf(reply, "num_records")
	info.HashIndexingFail = intOf(reply, "hash_indexing_failures")
	info.Indexing = intOf(reply, "indexing") != 0
	info.PercentIndexed = floatOf(reply, "percent_indexed")
	info.InvertedSizeMB = floatOf(reply, "inverted_sz_mb")

	if gc, ok := reply.Get("gc_stats"); ok {
		info.BytesCollected = intOf(gc, "bytes_collected")
	}
	if errs, ok := reply.Get("Index Errors"); ok {
		if status, ok := errs.Get("background indexing status"); ok {
			info.IndexingStatus = status.Text()
		}
	}
	return info
}
