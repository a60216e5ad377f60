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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func lines(ls ...string) string { return strings.Join(ls, "\n") + "\n" }

func TestCleanLine(t *testing.T) {
	assert.Equal(t, "hello", CleanLine("2024-05-01T03:04:05.1234567Z hello"))
	assert.Equal(t, "hello", CleanLine("2024-05-01T03:04:05Z hello\r"))
	assert.Equal(t, "red text", CleanLine("\x1b[31mred\x1b[0m text"))
	assert.Equal(t, "plain", CleanLine("plain"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		log      string
		kind     Kind
		message  string
		evidence int
	}{
		{
			name: "test summary",
			log: lines(
				"2024-05-01T03:04:05.1234567Z setup",
				"error: earlier noise",
				"Failed Tests Summary:",
				"  test_search.py::test_knn",
				"  test_search.py::test_bm25",
				"##[endgroup]",
				"##[error]Process completed with exit code 1.",
			),
			kind:     KindTestFailure,
			message:  "test_search.py::test_knn",
			evidence: 3,
		},
		{
			name: "sanitizer beats fatal",
			log: lines(
				"fatal: something earlier",
				"SUMMARY: AddressSanitizer: leaks detected: 64 byte(s) leaked",
				"    #0 0x4f in malloc",
				"make: *** [test] Error 1 (exit code 2)",
			),
			kind:     KindSanitizerLeak,
			message:  "SUMMARY: AddressSanitizer: leaks detected: 64 byte(s) leaked",
			evidence: 2,
		},
		{
			name: "fatal beats closer error",
			log: lines(
				"FATAL: cannot connect",
				"error: follow-on failure",
				"Error: Process completed with exit code 1.",
			),
			kind:     KindFatalError,
			message:  "FATAL: cannot connect",
			evidence: 1,
		},
		{
			name: "generic error",
			log: lines(
				"\x1b[31mError: assertion failed\x1b[0m",
				"code: 1",
			),
			kind:     KindGenericError,
			message:  "Error: assertion failed",
			evidence: 1,
		},
		{
			name:    "exit line without cause",
			log:     lines("compiling", "Process completed with exit code 2."),
			kind:    KindUnknown,
			message: "Process completed with exit code 2.",
		},
		{
			name: "no exit line",
			log:  lines("error: but the job never said it exited"),
			kind: KindUnknown,
		},
		{
			name: "lines after the last exit are ignored",
			log: lines(
				"ok",
				"exit code 1",
				"error: cleanup noise",
			),
			kind:    KindUnknown,
			message: "exit code 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.log)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.message, c.Message)
			assert.Len(t, c.Evidence, tt.evidence)
		})
	}
}

func TestClassify_LookbackWindow(t *testing.T) {
	ls := []string{"error: too far away"}
	for i := 0; i < lookback; i++ {
		ls = append(ls, "progress")
	}
	ls = append(ls, "exit code 1")
	assert.Equal(t, KindUnknown, Classify(lines(ls...)).Kind)

	ls[1] = "error: at the window edge"
	assert.Equal(t, KindGenericError, Classify(lines(ls...)).Kind)
}

func TestFromAnnotations(t *testing.T) {
	_, ok := FromAnnotations(nil)
	assert.False(t, ok)

	_, ok = FromAnnotations([]Annotation{
		{Message: "Process completed with exit code 1."},
		{Message: "The operation was canceled."},
	})
	assert.False(t, ok)

	c, ok := FromAnnotations([]Annotation{
		{Message: "Process completed with exit code 1."},
		{Message: "  No space left on device  "},
		{Message: "second"},
	})
	assert.True(t, ok)
	assert.Equal(t, KindAnnotationError, c.Kind)
	assert.Equal(t, "No space left on device", c.Message)
}
