// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders a collector result into the machine-readable and
// human-readable artifacts of one collector run.
//
// Every Write function is a pure rendering of its input onto an io.Writer.
// WriteAll is the only function that touches the filesystem.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/searchstress/services/logminer"
)

// RunsListFile is appended to by every collector run.
const RunsListFile = "runs_list.txt"

// Artifacts names the files of one collector run.
type Artifacts struct {
	RawRuns  string
	Summary  string
	Failures string
	Report   string
	RunsList string
}

// Names returns the artifact file names for workflow on date. The
// workflow's extension is dropped: "daily.yml" gives "daily_2025-03-14.json".
func Names(workflow string, date time.Time) Artifacts {
	stem := strings.TrimSuffix(path.Base(workflow), path.Ext(workflow))
	prefix := stem + "_" + date.UTC().Format(time.DateOnly)
	return Artifacts{
		RawRuns:  prefix + ".json",
		Summary:  prefix + "_summary.txt",
		Failures: prefix + "_failures.json",
		Report:   prefix + "_failure_report.txt",
		RunsList: RunsListFile,
	}
}

// Paths returns the artifact names joined onto dir, in write order.
func (a Artifacts) Paths(dir string) []string {
	return []string{
		filepath.Join(dir, a.RawRuns),
		filepath.Join(dir, a.Summary),
		filepath.Join(dir, a.Failures),
		filepath.Join(dir, a.Report),
		filepath.Join(dir, a.RunsList),
	}
}

// =============================================================================
// Ordering and counting
// =============================================================================

func versionOf(branch string) (string, bool) {
	v := "v" + strings.TrimPrefix(branch, "v")
	return v, semver.IsValid(v)
}

// SortBranches orders branches as: defaultBranch, then version branches
// newest first, then everything else alphabetically. Duplicates are
// removed.
func SortBranches(branches []string, defaultBranch string) []string {
	seen := make(map[string]bool, len(branches))
	var out []string
	for _, b := range branches {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	rank := func(b string) int {
		switch _, ok := versionOf(b); {
		case b == defaultBranch:
			return 0
		case ok:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 1 {
			vi, _ := versionOf(out[i])
			vj, _ := versionOf(out[j])
			if c := semver.Compare(vi, vj); c != 0 {
				return c > 0
			}
		}
		return out[i] < out[j]
	})
	return out
}

// KindCount is one histogram bucket.
type KindCount struct {
	Kind    logminer.Kind
	Count   int
	Percent float64
}

// Histogram counts records per kind in logminer.Kinds order, omitting
// empty kinds. Percentages are of len(records).
func Histogram(records []logminer.FailureRecord) []KindCount {
	counts := make(map[logminer.Kind]int)
	for _, r := range records {
		counts[r.Kind]++
	}
	var out []KindCount
	for _, k := range logminer.Kinds {
		if n := counts[k]; n > 0 {
			out = append(out, KindCount{Kind: k, Count: n, Percent: 100 * float64(n) / float64(len(records))})
		}
	}
	return out
}

// BranchKindCount is the number of failed jobs of one kind on one branch.
type BranchKindCount struct {
	Branch string
	Kind   logminer.Kind
	Count  int
}

// BranchKindCounts groups records by (branch, kind), sorted by branch then
// kind.
func BranchKindCounts(records []logminer.FailureRecord) []BranchKindCount {
	type key struct {
		branch string
		kind   logminer.Kind
	}
	counts := make(map[key]int)
	for _, r := range records {
		counts[key{r.Branch, r.Kind}]++
	}
	out := make([]BranchKindCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, BranchKindCount{Branch: k.branch, Kind: k.kind, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Branch != out[j].Branch {
			return out[i].Branch < out[j].Branch
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// =============================================================================
// Renderers
// =============================================================================

// WriteRecords writes records as an indented JSON list. An empty input
// is written as [] rather than null.
func WriteRecords(w io.Writer, records []logminer.FailureRecord) error {
	if records == nil {
		records = []logminer.FailureRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode failure records: %w", err)
	}
	return nil
}

// WriteRawRuns writes the run list as an indented JSON list.
func WriteRawRuns(w io.Writer, runs []logminer.Run) error {
	if runs == nil {
		runs = []logminer.Run{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(runs); err != nil {
		return fmt.Errorf("encode runs: %w", err)
	}
	return nil
}

func title(res *logminer.Result) string {
	t := fmt.Sprintf("%s on %s", res.Workflow, res.Date.Format(time.DateOnly))
	if res.Repo != "" {
		t = res.Repo + " " + t
	}
	return t
}

func writeHistogram(w io.Writer, records []logminer.FailureRecord) {
	fmt.Fprintln(w, "Failure kinds:")
	hist := Histogram(records)
	if len(hist) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, h := range hist {
		fmt.Fprintf(w, "  %-18s %4d  %5.1f%%\n", h.Kind, h.Count, h.Percent)
	}
}

// WriteReport writes the per-branch failure report: a kind histogram,
// then every failed job grouped by branch and run. Within a branch, runs
// appear in ascending id order and jobs by name, whatever the order of
// res.Failures.
func WriteReport(w io.Writer, res *logminer.Result) error {
	ew := &errWriter{w: w}
	fmt.Fprintf(ew, "Failure report: %s\n", title(res))
	fmt.Fprintf(ew, "Runs: %d, failed: %d, failed jobs: %d\n\n", len(res.Runs), res.FailedRuns(), len(res.Failures))
	writeHistogram(ew, res.Failures)

	byBranch := make(map[string][]logminer.FailureRecord)
	var branches []string
	for _, f := range res.Failures {
		branches = append(branches, f.Branch)
		byBranch[f.Branch] = append(byBranch[f.Branch], f)
	}
	for _, b := range SortBranches(branches, res.DefaultBranch) {
		fmt.Fprintf(ew, "\n== %s ==\n", b)
		group := byBranch[b]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].RunID != group[j].RunID {
				return group[i].RunID < group[j].RunID
			}
			return group[i].JobName < group[j].JobName
		})
		var run int64 = -1
		for _, f := range group {
			if f.RunID != run {
				run = f.RunID
				fmt.Fprintf(ew, "Run %d", run)
				if f.RunURL != "" {
					fmt.Fprintf(ew, " %s", f.RunURL)
				}
				fmt.Fprintln(ew)
			}
			fmt.Fprintf(ew, "  %s [%s]\n", f.JobName, f.Kind)
			if f.ErrorMessage != "" {
				fmt.Fprintf(ew, "    %s\n", f.ErrorMessage)
			}
			for _, e := range f.Evidence {
				fmt.Fprintf(ew, "    | %s\n", e)
			}
		}
	}
	return ew.err
}

// WriteSummary writes per-branch run totals and the kind histogram.
func WriteSummary(w io.Writer, res *logminer.Result) error {
	ew := &errWriter{w: w}
	fmt.Fprintf(ew, "Summary: %s\n", title(res))
	if len(res.Runs) == 0 {
		fmt.Fprintln(ew, "No runs found.")
		return ew.err
	}

	type totals struct{ runs, failed int }
	per := make(map[string]*totals)
	var branches []string
	for _, r := range res.Runs {
		t, ok := per[r.Branch]
		if !ok {
			t = &totals{}
			per[r.Branch] = t
			branches = append(branches, r.Branch)
		}
		t.runs++
		if r.Failed() {
			t.failed++
		}
	}
	fmt.Fprintf(ew, "Runs: %d, failed: %d\n\n", len(res.Runs), res.FailedRuns())
	for _, b := range SortBranches(branches, res.DefaultBranch) {
		t := per[b]
		fmt.Fprintf(ew, "  %-24s %3d runs  %3d failed\n", b, t.runs, t.failed)
	}
	fmt.Fprintln(ew)
	writeHistogram(ew, res.Failures)
	return ew.err
}

// WriteRunsList writes one line per run: date, id, branch, conclusion
// and URL, tab separated.
func WriteRunsList(w io.Writer, res *logminer.Result) error {
	ew := &errWriter{w: w}
	date := res.Date.Format(time.DateOnly)
	for _, r := range res.Runs {
		conclusion := r.Conclusion
		if conclusion == "" {
			conclusion = r.Status
		}
		fmt.Fprintf(ew, "%s\t%s\t%d\t%s\t%s\t%s\n", date, res.Workflow, r.ID, r.Branch, conclusion, r.URL)
	}
	return ew.err
}

// errWriter keeps the first write error so renderers can use fmt.Fprintf
// freely.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	e.err = err
	return n, err
}

// =============================================================================
// Filesystem
// =============================================================================

// WriteAll writes the five artifacts of res into dir and returns their
// paths. The runs list is appended to; the rest are overwritten.
func WriteAll(dir string, res *logminer.Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", dir, err)
	}
	names := Names(res.Workflow, res.Date)
	paths := names.Paths(dir)

	writers := []func(io.Writer) error{
		func(w io.Writer) error { return WriteRawRuns(w, res.Runs) },
		func(w io.Writer) error { return WriteSummary(w, res) },
		func(w io.Writer) error { return WriteRecords(w, res.Failures) },
		func(w io.Writer) error { return WriteReport(w, res) },
		func(w io.Writer) error { return WriteRunsList(w, res) },
	}
	for i, write := range writers {
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if i == len(writers)-1 {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		if err := writeFile(paths[i], flags, write); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func writeFile(p string, flags int, write func(io.Writer) error) (err error) {
	f, err := os.OpenFile(p, flags, 0640)
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", p, cerr)
		}
	}()
	if err := write(f); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}
