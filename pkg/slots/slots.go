// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package slots implements cluster hash-slot routing.
//
// A key maps to one of Count slots by CRC-16/XMODEM of the key, or of the
// first non-empty "{...}" hash tag inside it. Ranges are half-open
// [Start, End); the server speaks inclusive ranges, so conversions live at
// the wire boundary (ParseRange, Range.WireEnd).
package slots

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Count is the size of the slot space (2^14).
const Count = 16384

// crcTable is the CRC-16/XMODEM table (poly 0x1021, init 0).
var crcTable = func() [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// CRC16 returns the CRC-16/XMODEM checksum of data.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

// HashTag returns the part of key that is hashed: the content of the first
// "{...}" pair when it is non-empty, otherwise the whole key.
func HashTag(key string) string {
	open := strings.IndexByte(key, '{')
	if open < 0 {
		return key
	}
	closeIdx := strings.IndexByte(key[open+1:], '}')
	if closeIdx <= 0 {
		return key
	}
	return key[open+1 : open+1+closeIdx]
}

// Of returns the slot owning key.
func Of(key string) int {
	return int(CRC16([]byte(HashTag(key))) % Count)
}

// =============================================================================
// Ranges
// =============================================================================

// Range is the half-open slot interval [Start, End).
type Range struct {
	Start int
	End   int
}

// Width returns the number of slots in r.
func (r Range) Width() int { return r.End - r.Start }

// Contains reports whether slot lies in r.
func (r Range) Contains(slot int) bool { return slot >= r.Start && slot < r.End }

// Valid reports whether 0 <= Start <= End <= Count.
func (r Range) Valid() bool { return r.Start >= 0 && r.Start <= r.End && r.End <= Count }

// WireEnd is the inclusive end the server expects. Only meaningful for
// non-empty ranges.
func (r Range) WireEnd() int { return r.End - 1 }

// String renders r as "[start, end)".
func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// MiddleHalf returns the central 50% of r by width: w/2 slots with the
// remaining (w - w/2) split evenly around them, any odd slot going to the
// end. It fails when that slice is empty.
func (r Range) MiddleHalf() (Range, error) {
	w := r.Width()
	half := w / 2
	if half == 0 {
		return Range{}, fmt.Errorf("range %s too narrow to split", r)
	}
	start := r.Start + (w-half)/2
	return Range{Start: start, End: start + half}, nil
}

// ParseRange parses a CLUSTER NODES slot token: "n" or "a-b" (inclusive).
// Migration tokens such as "[5461->-node]" are rejected.
func ParseRange(token string) (Range, error) {
	if strings.HasPrefix(token, "[") {
		return Range{}, fmt.Errorf("slot token %q is a migration marker", token)
	}
	lo, hi, found := strings.Cut(token, "-")
	start, err := strconv.Atoi(lo)
	if err != nil {
		return Range{}, fmt.Errorf("parse slot token %q: %w", token, err)
	}
	end := start
	if found {
		if end, err = strconv.Atoi(hi); err != nil {
			return Range{}, fmt.Errorf("parse slot token %q: %w", token, err)
		}
	}
	r := Range{Start: start, End: end + 1}
	if !r.Valid() || r.Width() == 0 {
		return Range{}, fmt.Errorf("slot token %q out of bounds", token)
	}
	return r, nil
}

// Normalize sorts ranges and merges adjacent or overlapping ones.
func Normalize(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := append([]Range(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// ContainsSlot reports whether any range in ranges holds slot.
func ContainsSlot(ranges []Range, slot int) bool {
	for _, r := range ranges {
		if r.Contains(slot) {
			return true
		}
	}
	return false
}
