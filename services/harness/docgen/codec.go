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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/AleutianAI/searchstress/services/harness/schema"
)

// EncodeVector packs values little-endian as elements of type t.
//
// BFLOAT16 keeps the high 16 bits of the IEEE-754 float32 (truncation, no
// rounding). INT8 and UINT8 round to nearest and reject out-of-range values.
func EncodeVector(values []float64, t schema.ElemType) ([]byte, error) {
	size := t.Size()
	if size == 0 {
		return nil, fmt.Errorf("encode vector: unknown element type %q", t)
	}
	buf := make([]byte, len(values)*size)
	for i, v := range values {
		off := i * size
		switch t {
		case schema.Float64:
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
		case schema.Float32:
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
		case schema.Float16:
			binary.LittleEndian.PutUint16(buf[off:], float16.Fromfloat32(float32(v)).Bits())
		case schema.BFloat16:
			binary.LittleEndian.PutUint16(buf[off:], ToBFloat16(float32(v)))
		case schema.Int8:
			r := math.Round(v)
			if r < math.MinInt8 || r > math.MaxInt8 {
				return nil, fmt.Errorf("encode vector: %v out of INT8 range", v)
			}
			buf[off] = byte(int8(r))
		case schema.Uint8:
			r := math.Round(v)
			if r < 0 || r > math.MaxUint8 {
				return nil, fmt.Errorf("encode vector: %v out of UINT8 range", v)
			}
			buf[off] = byte(r)
		}
	}
	return buf, nil
}

// DecodeVector unpacks a little-endian blob of type t.
func DecodeVector(blob []byte, t schema.ElemType) ([]float64, error) {
	size := t.Size()
	if size == 0 {
		return nil, fmt.Errorf("decode vector: unknown element type %q", t)
	}
	if len(blob)%size != 0 {
		return nil, fmt.Errorf("decode vector: %d bytes is not a multiple of %d", len(blob), size)
	}
	out := make([]float64, len(blob)/size)
	for i := range out {
		off := i * size
		switch t {
		case schema.Float64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[off:]))
		case schema.Float32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(blob[off:])))
		case schema.Float16:
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(blob[off:])).Float32())
		case schema.BFloat16:
			out[i] = float64(FromBFloat16(binary.LittleEndian.Uint16(blob[off:])))
		case schema.Int8:
			out[i] = float64(int8(blob[off]))
		case schema.Uint8:
			out[i] = float64(blob[off])
		}
	}
	return out, nil
}

// ToBFloat16 truncates f to bfloat16 bits.
func ToBFloat16(f float32) uint16 {
	return uint16(math.Float32bits(f) >> 16)
}

// FromBFloat16 widens bfloat16 bits to float32.
func FromBFloat16(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}
