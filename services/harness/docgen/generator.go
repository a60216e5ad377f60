// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package docgen synthesizes documents deterministically.
//
// A Generator owns a seeded PRNG; the same seed yields the same documents,
// so a failing run can be replayed. Generators are not shared between
// goroutines; give each worker its own seed.
package docgen

import (
	"math/rand/v2"
	"strings"
)

var vocabulary = []string{
	"hello", "world", "alpha", "bravo", "charlie", "delta", "echo", "foxtrot",
	"golf", "hotel", "india", "juliet", "kilo", "lima", "mike", "november",
	"oscar", "papa", "quebec", "romeo", "sierra", "tango", "uniform", "victor",
	"whiskey", "xray", "yankee", "zulu", "running", "runner", "runs", "index",
}

// Generator produces reproducible pseudo-random values.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Generator struct {
	rnd *rand.Rand
}

// New returns a Generator seeded with seed.
func New(seed uint64) *Generator {
	return &Generator{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Float returns a value in [0, 1).
func (g *Generator) Float() float64 { return g.rnd.Float64() }

// IntN returns a value in [0, n).
func (g *Generator) IntN(n int) int { return g.rnd.IntN(n) }

// Range returns an integer in [lo, hi).
func (g *Generator) Range(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + g.rnd.IntN(hi-lo)
}

// Number returns a float in [lo, hi).
func (g *Generator) Number(lo, hi float64) float64 {
	return lo + g.rnd.Float64()*(hi-lo)
}

// Vector returns dim values in [0, 1).
func (g *Generator) Vector(dim int) []float64 {
	v := make([]float64, dim)
	for i := range v {
		v[i] = g.rnd.Float64()
	}
	return v
}

// Word returns one vocabulary word.
func (g *Generator) Word() string {
	return vocabulary[g.rnd.IntN(len(vocabulary))]
}

// Text returns n space-separated words.
func (g *Generator) Text(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = g.Word()
	}
	return strings.Join(words, " ")
}

// GeoPoint returns a (longitude, latitude) pair within valid bounds.
func (g *Generator) GeoPoint() (lon, lat float64) {
	return g.Number(-180, 180), g.Number(-85, 85)
}

// Tag returns one of choices.
func (g *Generator) Tag(choices ...string) string {
	return choices[g.rnd.IntN(len(choices))]
}

// Shuffle permutes ids in place.
func (g *Generator) Shuffle(ids []int) {
	g.rnd.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}

// =============================================================================
// Deterministic vectors
// =============================================================================

// Primes returns the first n primes.
func Primes(n int) []int {
	primes := make([]int, 0, n)
	for candidate := 2; len(primes) < n; candidate++ {
		isPrime := true
		for _, p := range primes {
			if p*p > candidate {
				break
			}
			if candidate%p == 0 {
				isPrime = false
				break
			}
		}
		if isPrime {
			primes = append(primes, candidate)
		}
	}
	return primes
}

// PrimeModVector returns v[i] = (id * primes[i]) mod 10.
func PrimeModVector(id, dim int) []float64 {
	primes := Primes(dim)
	v := make([]float64, dim)
	for i, p := range primes {
		v[i] = float64((id * p) % 10)
	}
	return v
}
