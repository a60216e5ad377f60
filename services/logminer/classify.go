// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logminer

import (
	"regexp"
	"strings"
)

// lookback is how far above an exit-status line the rules search.
const lookback = 100

var (
	// "2024-05-01T03:04:05.1234567Z " as prefixed by the Actions runner.
	timestampRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?Z\s?`)
	ansiRe      = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	exitRe      = regexp.MustCompile(`exit code [12]\b|code: 1\b`)

	// genericAnnotationRe matches runner annotations that restate the
	// exit status without saying anything about the cause.
	genericAnnotationRe = regexp.MustCompile(`(?i)^(process completed with exit code \d+\.?|the operation was canceled\.?|the job was canceled.*)$`)
)

// CleanLine strips the runner timestamp and ANSI escapes from line.
func CleanLine(line string) string {
	line = strings.TrimRight(line, "\r")
	line = ansiRe.ReplaceAllString(line, "")
	return timestampRe.ReplaceAllString(line, "")
}

// Classification is the verdict for one job log.
type Classification struct {
	Kind     Kind
	Message  string
	Evidence []string
}

// Classify scans log bottom-up for the last exit-status line and applies
// the rules in priority order to the lookback lines above it:
//
//  1. "Failed Tests Summary:" up to the next endgroup marker: test_failure
//  2. "Sanitizer: leaks detected:" and the line after: sanitizer_leak
//  3. "fatal:" (any case): fatal_error
//  4. "error:" (any case): generic_error
//
// A log without an exit-status line, or whose window matches no rule, is
// unknown.
func Classify(log string) Classification {
	lines := strings.Split(log, "\n")
	for i := range lines {
		lines[i] = CleanLine(lines[i])
	}

	exit := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if exitRe.MatchString(lines[i]) {
			exit = i
			break
		}
	}
	if exit < 0 {
		return Classification{Kind: KindUnknown}
	}
	lo := max(0, exit-lookback)
	window := lines[lo:exit]

	for _, rule := range rules {
		if c, ok := rule(window, lines[lo:]); ok {
			return c
		}
	}
	return Classification{Kind: KindUnknown, Message: lines[exit]}
}

// A rule inspects window (the lines above the exit line) and may read
// past it through tail, which starts at the same line as window.
type rule func(window, tail []string) (Classification, bool)

var rules = []rule{testSummary, sanitizerLeak, matchLast("fatal:", KindFatalError), matchLast("error:", KindGenericError)}

func testSummary(window, tail []string) (Classification, bool) {
	start := lastIndex(window, func(l string) bool { return strings.Contains(l, "Failed Tests Summary:") })
	if start < 0 {
		return Classification{}, false
	}
	var evidence []string
	for _, l := range tail[start:] {
		if strings.Contains(l, "endgroup") {
			break
		}
		evidence = append(evidence, l)
	}
	msg := ""
	if len(evidence) > 1 {
		msg = strings.TrimSpace(evidence[1])
	}
	return Classification{Kind: KindTestFailure, Message: msg, Evidence: evidence}, true
}

func sanitizerLeak(window, tail []string) (Classification, bool) {
	i := lastIndex(window, func(l string) bool { return strings.Contains(l, "Sanitizer: leaks detected:") })
	if i < 0 {
		return Classification{}, false
	}
	evidence := []string{tail[i]}
	if i+1 < len(tail) {
		evidence = append(evidence, tail[i+1])
	}
	return Classification{Kind: KindSanitizerLeak, Message: strings.TrimSpace(tail[i]), Evidence: evidence}, true
}

// matchLast finds the line closest above the exit line containing needle,
// ignoring case.
func matchLast(needle string, kind Kind) rule {
	return func(window, _ []string) (Classification, bool) {
		i := lastIndex(window, func(l string) bool { return strings.Contains(strings.ToLower(l), needle) })
		if i < 0 {
			return Classification{}, false
		}
		return Classification{Kind: kind, Message: strings.TrimSpace(window[i]), Evidence: []string{window[i]}}, true
	}
}

func lastIndex(lines []string, match func(string) bool) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if match(lines[i]) {
			return i
		}
	}
	return -1
}

// FromAnnotations classifies a failure the log could not explain using
// the first annotation that is not a bare exit-status notice.
func FromAnnotations(anns []Annotation) (Classification, bool) {
	for _, a := range anns {
		msg := strings.TrimSpace(CleanLine(a.Message))
		if msg == "" || genericAnnotationRe.MatchString(msg) {
			continue
		}
		return Classification{Kind: KindAnnotationError, Message: msg, Evidence: []string{msg}}, true
	}
	return Classification{}, false
}
