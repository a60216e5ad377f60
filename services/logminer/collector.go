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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
	"github.com/AleutianAI/searchstress/services/logminer/redact"
)

const tracerName = "searchstress.logminer"

// DefaultConcurrency is the number of runs analyzed at once.
const DefaultConcurrency = 4

// LogCache stores job logs between collector runs.
type LogCache interface {
	Get(ctx context.Context, jobID int64) (string, bool, error)
	Put(ctx context.Context, jobID int64, log string) error
}

// Result is everything one collector run learned.
type Result struct {
	Repo          string
	Workflow      string
	Date          time.Time
	DefaultBranch string
	Runs          []Run
	Failures      []FailureRecord
}

// FailedRuns counts runs that concluded with a failure.
func (r *Result) FailedRuns() int {
	n := 0
	for _, run := range r.Runs {
		if run.Failed() {
			n++
		}
	}
	return n
}

// Collector lists a workflow's runs for one day and classifies failed
// jobs.
type Collector struct {
	Source   Source
	Repo     string
	Workflow string

	// DefaultBranch leads the report's branch order. Default: "main".
	DefaultBranch string

	// AnalyzeFailures enables job listing and log classification. Without
	// it only the run list is collected.
	AnalyzeFailures bool

	// Cache is optional.
	Cache LogCache

	// Redactor scrubs messages and evidence. Nil leaves them as logged.
	Redactor *redact.Redactor

	// Concurrency bounds runs analyzed at once. Default: DefaultConcurrency.
	Concurrency int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Run collects date's runs.
//
// # Inputs
//
//   - ctx: cancels every REST call.
//   - date: the UTC day to collect.
//
// # Outputs
//
//   - *Result: runs in API order, failures sorted by run then job.
//   - error: a REST failure or a job whose log could not be obtained,
//     marked errkind.LogMinerExternal.
func (c *Collector) Run(ctx context.Context, date time.Time) (_ *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "logminer.Collect",
		trace.WithAttributes(
			attribute.String("workflow", c.Workflow),
			attribute.String("date", date.UTC().Format(time.DateOnly)),
		))
	defer func() { telemetry.EndSpan(span, err) }()
	logger := logging.OrDiscard(c.Logger)

	runs, err := c.Source.ListRuns(ctx, c.Workflow, date)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	branch := c.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	res := &Result{
		Repo:          c.Repo,
		Workflow:      c.Workflow,
		Date:          date.UTC(),
		DefaultBranch: branch,
		Runs:          runs,
	}
	if !c.AnalyzeFailures {
		logger.Warn("failure analysis disabled", "runs", len(runs))
		return res, nil
	}

	limit := c.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	var mu sync.Mutex
	for _, run := range runs {
		if !run.Failed() {
			continue
		}
		g.Go(func() error {
			recs, err := c.analyzeRun(gctx, logger, run)
			if err != nil {
				return fmt.Errorf("run %d: %w", run.ID, err)
			}
			mu.Lock()
			res.Failures = append(res.Failures, recs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(res.Failures, func(i, j int) bool {
		a, b := res.Failures[i], res.Failures[j]
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		return a.JobName < b.JobName
	})
	for _, f := range res.Failures {
		c.Metrics.RecordFailure(ctx, string(f.Kind))
	}
	logger.Info("failures classified", "runs", len(runs), "failed_runs", res.FailedRuns(), "records", len(res.Failures))
	return res, nil
}

// runState holds per-run lazily fetched data shared by its jobs.
type runState struct {
	run         Run
	archive     []byte
	annotations []Annotation
	annLoaded   bool
}

func (c *Collector) analyzeRun(ctx context.Context, logger *slog.Logger, run Run) ([]FailureRecord, error) {
	jobs, err := c.Source.ListJobs(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	st := &runState{run: run}

	var out []FailureRecord
	for _, job := range jobs {
		if !job.Failed() || strings.EqualFold(job.Name, SentinelJob) {
			continue
		}
		log, err := c.jobLog(ctx, logger, st, job)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", job.Name, err)
		}
		cls := Classify(log)
		if cls.Kind == KindUnknown {
			if a, ok := FromAnnotations(c.annotations(ctx, logger, st)); ok {
				cls = a
			}
		}
		out = append(out, FailureRecord{
			RunID:        run.ID,
			Branch:       run.Branch,
			JobName:      job.Name,
			Kind:         cls.Kind,
			ErrorMessage: c.Redactor.Redact(cls.Message),
			Evidence:     c.Redactor.RedactAll(cls.Evidence),
			RunURL:       run.URL,
			JobURL:       job.URL,
			HeadSHA:      run.HeadSHA,
		})
	}
	return out, nil
}

// jobLog returns the job's log from the cache, the job endpoint, or the
// run archive, in that order.
func (c *Collector) jobLog(ctx context.Context, logger *slog.Logger, st *runState, job Job) (string, error) {
	if c.Cache != nil {
		if log, ok, err := c.Cache.Get(ctx, job.ID); err != nil {
			logger.Warn("log cache read failed", "job_id", job.ID, "error", err)
		} else if ok {
			return log, nil
		}
	}

	log, err := c.Source.JobLog(ctx, job.ID)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		logger.Warn("job log unavailable, using run archive", "run_id", st.run.ID, "job", job.Name, "error", err)
		if st.archive == nil {
			archive, aerr := c.Source.RunArchive(ctx, st.run.ID)
			if aerr != nil {
				return "", errkind.Mark(errors.Join(err, aerr), errkind.LogMinerExternal)
			}
			st.archive = archive
		}
		if log, err = ExtractJobLog(st.archive, job.Name); err != nil {
			return "", err
		}
	}

	if c.Cache != nil {
		if err := c.Cache.Put(ctx, job.ID, log); err != nil {
			logger.Warn("log cache write failed", "job_id", job.ID, "error", err)
		}
	}
	return log, nil
}

func (c *Collector) annotations(ctx context.Context, logger *slog.Logger, st *runState) []Annotation {
	if st.annLoaded {
		return st.annotations
	}
	st.annLoaded = true
	if st.run.HeadSHA == "" {
		return nil
	}
	anns, err := c.Source.Annotations(ctx, st.run.HeadSHA)
	if err != nil {
		logger.Warn("annotations unavailable", "sha", st.run.HeadSHA, "error", err)
		return nil
	}
	st.annotations = anns
	return anns
}
