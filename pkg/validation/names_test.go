// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"testing"
)

func TestValidateRepo(t *testing.T) {
	tests := []struct {
		name    string
		repo    string
		wantErr bool
	}{
		{"simple", "valkey-io/valkey-search", false},
		{"dots in name", "acme/search.v2", false},
		{"underscore", "acme/search_bench", false},
		{"single char owner", "a/b", false},

		{"empty", "", true},
		{"no slash", "valkey-search", true},
		{"extra segment", "acme/search/actions", true},
		{"empty owner", "/search", true},
		{"empty name", "acme/", true},
		{"dot dot", "acme/..", true},
		{"leading hyphen owner", "-acme/search", true},
		{"double hyphen owner", "ac--me/search", true},
		{"query smuggling", "acme/search?per_page=1", true},
		{"spaces", "acme/se arch", true},
		{"newline", "acme/search\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ValidateRepo(tt.repo)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRepo(%q) error = %v, wantErr %v", tt.repo, err, tt.wantErr)
			}
		})
	}
}

func TestValidateWorkflow(t *testing.T) {
	tests := []struct {
		name     string
		workflow string
		wantErr  bool
	}{
		{"yml", "daily.yml", false},
		{"yaml", "weekly-bench.yaml", false},

		{"empty", "", true},
		{"no extension", "daily", true},
		{"path traversal", "../daily.yml", true},
		{"subdirectory", "sub/daily.yml", true},
		{"hidden", ".daily.yml", true},
		{"numeric id", "123456", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWorkflow(tt.workflow)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWorkflow(%q) error = %v, wantErr %v", tt.workflow, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeRepo(t *testing.T) {
	tests := []struct {
		name    string
		repo    string
		want    string
		wantErr bool
	}{
		{"passthrough", "acme/search", "acme/search", false},
		{"trimmed", "  acme/search  ", "acme/search", false},
		{"git suffix", "acme/search.git", "acme/search", false},
		{"invalid rejected", "acme", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeRepo(tt.repo)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizeRepo(%q) error = %v, wantErr %v", tt.repo, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SanitizeRepo(%q) = %q, want %q", tt.repo, got, tt.want)
			}
		})
	}
}
