// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redact scrubs credentials and personal data from CI log lines
// before they are written to failure artifacts.
//
// The patterns are embedded from patterns.yaml so the rules travel with
// the binary and cannot be changed on the host without rebuilding.
package redact

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// Confidence is how likely a pattern match is a real finding.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch v := Confidence(s); v {
	case High, Medium, Low:
		*c = v
		return nil
	default:
		return fmt.Errorf("invalid value for confidence: %q", s)
	}
}

type patternFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification groups patterns that share a replacement label.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is one regular expression rule.
type Pattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`
	compiled    *regexp.Regexp
}

// Finding is one match reported by Scan.
type Finding struct {
	Classification string
	PatternID      string
	Confidence     Confidence
	Match          string
}

// Redactor replaces pattern matches with "[REDACTED:<classification>]".
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Redactor struct {
	classes []Classification
}

// New builds a Redactor from the embedded patterns.
func New() (*Redactor, error) {
	return Parse(defaultPatterns)
}

// Parse builds a Redactor from a YAML pattern document. Classifications
// are applied from highest to lowest priority.
func Parse(data []byte) (*Redactor, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redaction patterns: %w", err)
	}
	for i := range f.Classifications {
		for j := range f.Classifications[i].Patterns {
			p := &f.Classifications[i].Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("pattern %s: %w", p.ID, err)
			}
			p.compiled = re
		}
	}
	sort.SliceStable(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})
	return &Redactor{classes: f.Classifications}, nil
}

// Redact returns s with every match replaced. A nil Redactor returns s.
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, c := range r.classes {
		label := "[REDACTED:" + c.Name + "]"
		for _, p := range c.Patterns {
			s = p.compiled.ReplaceAllLiteralString(s, label)
		}
	}
	return s
}

// RedactAll applies Redact to every line in place and returns lines.
func (r *Redactor) RedactAll(lines []string) []string {
	for i, l := range lines {
		lines[i] = r.Redact(l)
	}
	return lines
}

// Scan reports every match in s without changing it, in priority order.
func (r *Redactor) Scan(s string) []Finding {
	if r == nil {
		return nil
	}
	var out []Finding
	for _, c := range r.classes {
		for _, p := range c.Patterns {
			for _, m := range p.compiled.FindAllString(s, -1) {
				out = append(out, Finding{
					Classification: c.Name,
					PatternID:      p.ID,
					Confidence:     p.Confidence,
					Match:          strings.TrimSpace(m),
				})
			}
		}
	}
	return out
}
