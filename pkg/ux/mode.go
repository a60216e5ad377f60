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
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// EnvMode overrides terminal detection.
const EnvMode = "SEARCHSTRESS_OUTPUT"

// Mode defines how rich CLI output is.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModeMinimal uses icons without colors.
	ModeMinimal Mode = "minimal"

	// ModeMachine prints plain tab-separated text for scripts and CI logs.
	ModeMachine Mode = "machine"
)

// ParseMode converts a flag or environment value to a Mode. Unknown
// values give ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return ModeMinimal
	case "machine", "plain", "quiet", "q":
		return ModeMachine
	default:
		return ModeRich
	}
}

// DetectMode picks the mode for w: the EnvMode override if set, rich on a
// terminal, machine otherwise.
func DetectMode(w io.Writer) Mode {
	if env := os.Getenv(EnvMode); env != "" {
		return ParseMode(env)
	}
	if isTerminal(w) {
		return ModeRich
	}
	return ModeMachine
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
