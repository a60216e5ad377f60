// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logminer collects failed CI runs of a workflow and classifies
// why each failed job failed.
//
// The pipeline is: list the workflow's runs for one day, list the jobs of
// every failed run, fetch each failed job's log (falling back to the run's
// zip archive), and classify the log bottom-up. Check-run annotations on
// the run's commit are the last resort when the log gives nothing away.
package logminer

import (
	"context"
	"time"
)

// SentinelJob is the aggregate status job every workflow run carries. It
// fails whenever any other job fails, so it is never classified.
const SentinelJob = "pr-validation"

// Kind is a failure classification.
type Kind string

const (
	KindTestFailure     Kind = "test_failure"
	KindSanitizerLeak   Kind = "sanitizer_leak"
	KindFatalError      Kind = "fatal_error"
	KindGenericError    Kind = "generic_error"
	KindAnnotationError Kind = "annotation_error"
	KindUnknown         Kind = "unknown"
)

// Kinds lists every Kind in report order.
var Kinds = []Kind{
	KindTestFailure, KindSanitizerLeak, KindFatalError,
	KindGenericError, KindAnnotationError, KindUnknown,
}

// Run is one workflow run.
type Run struct {
	ID         int64     `json:"id"`
	Number     int       `json:"run_number"`
	Name       string    `json:"name"`
	Branch     string    `json:"head_branch"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HeadSHA    string    `json:"head_sha"`
	URL        string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// Failed reports whether the run concluded with a failure.
func (r Run) Failed() bool { return r.Conclusion == "failure" }

// Step is one step of a job, numbered from 1.
type Step struct {
	Number     int64  `json:"number"`
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
}

// Job is one job of a run.
type Job struct {
	ID         int64  `json:"id"`
	RunID      int64  `json:"run_id"`
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
	URL        string `json:"html_url"`
	Steps      []Step `json:"steps"`
}

// Failed reports whether the job concluded with a failure.
func (j Job) Failed() bool { return j.Conclusion == "failure" }

// Annotation is a check-run annotation on a commit.
type Annotation struct {
	Level   string `json:"annotation_level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// FailureRecord is the classification of one failed job.
type FailureRecord struct {
	RunID        int64    `json:"run_id"`
	Branch       string   `json:"branch"`
	JobName      string   `json:"job_name"`
	Kind         Kind     `json:"failure_kind"`
	ErrorMessage string   `json:"error_message"`
	Evidence     []string `json:"evidence_lines"`
	RunURL       string   `json:"run_url,omitempty"`
	JobURL       string   `json:"job_url,omitempty"`
	HeadSHA      string   `json:"head_sha,omitempty"`
}

// Source is the CI system the collector reads from.
type Source interface {
	// ListRuns returns the runs of workflow created on date (UTC day).
	ListRuns(ctx context.Context, workflow string, date time.Time) ([]Run, error)

	// ListJobs returns every job of run.
	ListJobs(ctx context.Context, runID int64) ([]Job, error)

	// JobLog returns the plain-text log of one job.
	JobLog(ctx context.Context, jobID int64) (string, error)

	// RunArchive returns the zip archive of every job log of run.
	RunArchive(ctx context.Context, runID int64) ([]byte, error)

	// Annotations returns check-run annotations attached to commit sha.
	Annotations(ctx context.Context, sha string) ([]Annotation, error)
}
