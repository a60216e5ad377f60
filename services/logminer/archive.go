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
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/AleutianAI/searchstress/pkg/errkind"
)

// stopWords never count toward a directory match.
var stopWords = map[string]bool{
	"and": true, "the": true, "for": true, "with": true, "job": true,
	"run": true, "test": true, "tests": true, "build": true,
}

// words splits s into lower-case alphanumeric words of at least two
// characters, minus stopWords.
func words(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 && !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}

// SelectDirectory picks the archive directory whose name shares the most
// words with jobName. Ties go to the shorter name, then the first in
// sorted order. It reports false when no directory shares a word.
//
// The archive does not say which directory holds which job, and
// directory names are truncated and sanitized job names, so this is a
// best guess.
func SelectDirectory(jobName string, dirs []string) (string, bool) {
	want := make(map[string]bool)
	for _, w := range words(jobName) {
		want[w] = true
	}

	sorted := append([]string(nil), dirs...)
	sort.Strings(sorted)

	best, bestScore := "", 0
	for _, d := range sorted {
		seen := make(map[string]bool)
		score := 0
		for _, w := range words(d) {
			if want[w] && !seen[w] {
				seen[w] = true
				score++
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && len(d) < len(best)) {
			best, bestScore = d, score
		}
	}
	return best, bestScore > 0
}

// stepNumber parses the "N_" prefix of an archived step log name.
func stepNumber(name string) (int, bool) {
	prefix, _, ok := strings.Cut(path.Base(name), "_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(prefix)
	return n, err == nil
}

// ExtractJobLog opens a run archive, selects jobName's directory, and
// concatenates its files in step order. Files without a step number
// sort after numbered ones, by name.
func ExtractJobLog(archive []byte, jobName string) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", errkind.Wrapf(err, errkind.LogMinerExternal, "open run archive")
	}

	byDir := make(map[string][]*zip.File)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dir := path.Dir(f.Name)
		if dir == "." {
			continue
		}
		byDir[dir] = append(byDir[dir], f)
	}
	dirs := make([]string, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	dir, ok := SelectDirectory(jobName, dirs)
	if !ok {
		return "", errkind.Newf(errkind.LogMinerExternal, "no archive directory matches job %q (have %v)", jobName, dirs)
	}

	files := byDir[dir]
	sort.SliceStable(files, func(i, j int) bool {
		ni, oki := stepNumber(files[i].Name)
		nj, okj := stepNumber(files[j].Name)
		switch {
		case oki && okj && ni != nj:
			return ni < nj
		case oki != okj:
			return oki
		default:
			return files[i].Name < files[j].Name
		}
	})

	var sb strings.Builder
	for _, f := range files {
		if err := appendFile(&sb, f); err != nil {
			return "", errkind.Wrapf(err, errkind.LogMinerExternal, "read %s", f.Name)
		}
	}
	return sb.String(), nil
}

func appendFile(sb *strings.Builder, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(sb, rc); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if s := sb.String(); len(s) > 0 && !strings.HasSuffix(s, "\n") {
		sb.WriteByte('\n')
	}
	return nil
}
