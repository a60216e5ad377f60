// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"":        ModeRich,
		"rich":    ModeRich,
		"MINIMAL": ModeMinimal,
		"m":       ModeMinimal,
		"machine": ModeMachine,
		" plain ": ModeMachine,
		"bogus":   ModeRich,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseMode(in), in)
	}
}

func TestDetectMode(t *testing.T) {
	t.Setenv(EnvMode, "")
	assert.Equal(t, ModeMachine, DetectMode(&bytes.Buffer{}))

	t.Setenv(EnvMode, "minimal")
	assert.Equal(t, ModeMinimal, DetectMode(&bytes.Buffer{}))
}

func TestPrinter_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMachine)
	p.Title("ignored")
	p.Success("bm25_ranking")
	p.Warning("no runs")
	p.Error("knn_exact")
	p.Status(IconSkipped, "oom_scan")
	p.Info("plain")
	p.Table([]string{"a", "b"}, [][]string{{"1", "2"}})

	assert.Equal(t, "OK: bm25_ranking\nWARN: no runs\nFAIL: knn_exact\nSKIP: oom_scan\nplain\n1\t2\n", buf.String())
}

func TestPrinter_MinimalTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMinimal)
	p.Table([]string{"SCENARIO", "RESULT"}, [][]string{
		{"bm25_ranking", "passed"},
		{"gc", "failed"},
	})
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Equal(t, []string{
		"SCENARIO      RESULT",
		"bm25_ranking  passed",
		"gc            failed",
	}, lines)

	buf.Reset()
	p.Success("done")
	assert.Equal(t, "✓ done\n", buf.String())
}

func TestPrinter_RichBox(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, ModeRich).Box("Summary", "3 runs")
	assert.Contains(t, buf.String(), "Summary")
	assert.Contains(t, buf.String(), "3 runs")
}
