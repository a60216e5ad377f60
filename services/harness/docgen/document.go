// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/services/harness/client"
	"github.com/AleutianAI/searchstress/services/harness/schema"
)

// VectorValue is a logical vector with its storage element type.
type VectorValue struct {
	Values []float64
	Type   schema.ElemType
}

// FieldValue is one named value of a document.
//
// Value is a string, an integer, a float64, a VectorValue, or (JSON storage
// only) any value encoding/json accepts.
type FieldValue struct {
	Name  string
	Value any
}

// Document is an ordered field mapping identified by Key.
type Document struct {
	Key    string
	Fields []FieldValue
}

// Set returns a copy of d with name set to value (appended when absent).
func (d Document) Set(name string, value any) Document {
	fields := append([]FieldValue(nil), d.Fields...)
	for i := range fields {
		if fields[i].Name == name {
			fields[i].Value = value
			return Document{Key: d.Key, Fields: fields}
		}
	}
	return Document{Key: d.Key, Fields: append(fields, FieldValue{Name: name, Value: value})}
}

// HSetArgs renders HSET. Vectors become packed little-endian blobs.
func (d Document) HSetArgs() ([]any, error) {
	args := make([]any, 0, 2+2*len(d.Fields))
	args = append(args, "HSET", d.Key)
	for _, f := range d.Fields {
		v, err := hashValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("document %s field %s: %w", d.Key, f.Name, err)
		}
		args = append(args, f.Name, v)
	}
	return args, nil
}

func hashValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case VectorValue:
		return EncodeVector(t.Values, t.Type)
	default:
		return nil, fmt.Errorf("unsupported hash value %T", v)
	}
}

// JSONSetArgs renders JSON.SET key $ <object>. Field order is preserved and
// vectors become numeric arrays.
func (d Document) JSONSetArgs() ([]any, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range d.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(f.Name)
		buf.Write(key)
		buf.WriteByte(':')

		value := f.Value
		if vec, ok := value.(VectorValue); ok {
			value = vec.Values
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("document %s field %s: %w", d.Key, f.Name, err)
		}
		buf.Write(encoded)
	}
	buf.WriteByte('}')
	return []any{"JSON.SET", d.Key, "$", buf.String()}, nil
}

// WriteArgs renders the write command for storage.
func (d Document) WriteArgs(storage schema.Storage) ([]any, error) {
	if storage == schema.StorageJSON {
		return d.JSONSetArgs()
	}
	return d.HSetArgs()
}

// DeleteArgs renders DEL, or JSON.DEL for JSON storage.
func DeleteArgs(key string, storage schema.Storage) []any {
	if storage == schema.StorageJSON {
		return []any{"JSON.DEL", key, "$"}
	}
	return []any{"DEL", key}
}

// =============================================================================
// Builders
// =============================================================================

// Key formats prefix + id.
func Key(prefix string, id int) string {
	return prefix + strconv.Itoa(id)
}

// NumericDocument builds the (n, text, vector, tag) document used by the
// migration scenarios: n is the id and the vector is PrimeModVector(id, dim).
func NumericDocument(g *Generator, prefix string, id, dim int) Document {
	return Document{
		Key: Key(prefix, id),
		Fields: []FieldValue{
			{Name: "n", Value: id},
			{Name: "text", Value: g.Text(3)},
			{Name: "vector", Value: VectorValue{Values: PrimeModVector(id, dim), Type: schema.Float32}},
			{Name: "tag", Value: g.Tag("red", "green", "blue")},
		},
	}
}

// ForDescriptor builds a random document with a value for every field of d.
func ForDescriptor(g *Generator, d *schema.Descriptor, key string) Document {
	doc := Document{Key: key}
	for _, f := range d.Fields() {
		var v any
		switch f.Kind {
		case schema.KindText:
			v = g.Text(4)
		case schema.KindTag:
			v = g.Tag("red", "green", "blue", "cyan")
		case schema.KindNumeric:
			v = g.Range(0, 10000)
		case schema.KindGeo:
			lon, lat := g.GeoPoint()
			v = strconv.FormatFloat(lon, 'f', 6, 64) + "," + strconv.FormatFloat(lat, 'f', 6, 64)
		case schema.KindGeoShape:
			x, y := g.Range(0, 100), g.Range(0, 100)
			v = fmt.Sprintf("POLYGON((%d %d, %d %d, %d %d, %d %d))", x, y, x+1, y, x+1, y+1, x, y)
		case schema.KindVector:
			v = VectorValue{Values: g.Vector(f.Vector.Dim), Type: f.Vector.Type}
		}
		doc.Fields = append(doc.Fields, FieldValue{Name: f.Name, Value: v})
	}
	return doc
}

// =============================================================================
// Writer
// =============================================================================

// DefaultBatchSize is the pipeline depth of a Writer.
const DefaultBatchSize = 1000

// Writer bulk-loads documents through pipelines.
type Writer struct {
	Exec      client.Executor
	Storage   schema.Storage
	BatchSize int
	Logger    *slog.Logger
}

// Write sends docs in batches and stops at the first failed batch.
func (w *Writer) Write(ctx context.Context, docs []Document) error {
	batch := w.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	logger := logging.OrDiscard(w.Logger)

	cmds := make([][]any, 0, batch)
	flush := func() error {
		if len(cmds) == 0 {
			return nil
		}
		if _, err := w.Exec.ExecutePipelined(ctx, cmds); err != nil {
			return fmt.Errorf("write batch of %d documents: %w", len(cmds), err)
		}
		cmds = cmds[:0]
		return nil
	}

	for _, d := range docs {
		args, err := d.WriteArgs(w.Storage)
		if err != nil {
			return err
		}
		cmds = append(cmds, args)
		if len(cmds) == batch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	logger.Debug("documents written", "count", len(docs), "storage", w.Storage)
	return nil
}
