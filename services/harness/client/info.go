// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ParseInfo parses the "key:value" lines of an INFO reply. Section headers
// and blank lines are skipped.
func ParseInfo(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

// InfoField returns one field of INFO <section>.
func InfoField(ctx context.Context, exec Executor, section, field string) (string, error) {
	reply, err := exec.Execute(ctx, "INFO", section)
	if err != nil {
		return "", err
	}
	value, ok := ParseInfo(reply.Text())[field]
	if !ok {
		return "", fmt.Errorf("INFO %s has no field %q", section, field)
	}
	return value, nil
}

// InfoInt is InfoField parsed as an integer.
func InfoInt(ctx context.Context, exec Executor, section, field string) (int64, error) {
	value, err := InfoField(ctx, exec, section, field)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("INFO %s %s: %w", section, field, err)
	}
	return n, nil
}
