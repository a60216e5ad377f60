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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/services/logminer/redact"
)

// fakeSource serves canned CI data and counts calls.
type fakeSource struct {
	mu          sync.Mutex
	runs        []Run
	runsErr     error
	jobs        map[int64][]Job
	logs        map[int64]string
	archives    map[int64][]byte
	annotations map[string][]Annotation

	logCalls, archiveCalls, annotationCalls int
}

func (f *fakeSource) ListRuns(ctx context.Context, workflow string, date time.Time) ([]Run, error) {
	return f.runs, f.runsErr
}

func (f *fakeSource) ListJobs(ctx context.Context, runID int64) ([]Job, error) {
	return f.jobs[runID], nil
}

func (f *fakeSource) JobLog(ctx context.Context, jobID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCalls++
	log, ok := f.logs[jobID]
	if !ok {
		return "", errkind.Mark(&APIError{Endpoint: "job_log", Status: 404, Err: errors.New("gone")}, errkind.LogMinerExternal)
	}
	return log, nil
}

func (f *fakeSource) RunArchive(ctx context.Context, runID int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archiveCalls++
	a, ok := f.archives[runID]
	if !ok {
		return nil, errkind.Mark(&APIError{Endpoint: "run_archive", Status: 410, Err: errors.New("expired")}, errkind.LogMinerExternal)
	}
	return a, nil
}

func (f *fakeSource) Annotations(ctx context.Context, sha string) ([]Annotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.annotationCalls++
	return f.annotations[sha], nil
}

// memCache is an in-process LogCache.
type memCache struct {
	mu   sync.Mutex
	logs map[int64]string
}

func (m *memCache) Get(_ context.Context, jobID int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[jobID]
	return log, ok, nil
}

func (m *memCache) Put(_ context.Context, jobID int64, log string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[jobID] = log
	return nil
}

var testDate = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func sampleSource(t *testing.T) *fakeSource {
	return &fakeSource{
		runs: []Run{
			{ID: 2, Branch: "main", Conclusion: "failure", HeadSHA: "bbb", URL: "https://ci/runs/2"},
			{ID: 1, Branch: "8.0", Conclusion: "failure", HeadSHA: "aaa", URL: "https://ci/runs/1"},
			{ID: 3, Branch: "main", Conclusion: "success", HeadSHA: "ccc"},
		},
		jobs: map[int64][]Job{
			1: {
				{ID: 10, Name: "unit", Conclusion: "failure", URL: "https://ci/jobs/10"},
				{ID: 11, Name: SentinelJob, Conclusion: "failure"},
				{ID: 12, Name: "lint", Conclusion: "success"},
			},
			2: {
				{ID: 20, Name: "sanitizer (address)", Conclusion: "failure"},
				{ID: 21, Name: "docs", Conclusion: "failure"},
			},
		},
		logs: map[int64]string{
			10: lines("Failed Tests Summary:", "  test_knn", "##[endgroup]", "exit code 1"),
			21: lines("building docs", "Process completed with exit code 1."),
		},
		archives: map[int64][]byte{
			2: buildArchive(t,
				zipEntry{"sanitizer (address)/1_Set up job.txt", "setup\n"},
				zipEntry{"sanitizer (address)/2_Run.txt", "fatal: out of disk\nexit code 2\n"},
				zipEntry{"docs/1_Set up job.txt", "setup\n"},
			),
		},
		annotations: map[string][]Annotation{
			"bbb": {
				{Message: "Process completed with exit code 1."},
				{Message: "Broken link in README"},
			},
		},
	}
}

func TestCollector_Run(t *testing.T) {
	src := sampleSource(t)
	c := &Collector{Source: src, Repo: "acme/search", Workflow: "daily.yml", AnalyzeFailures: true}

	res, err := c.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, "main", res.DefaultBranch)
	assert.Len(t, res.Runs, 3)
	assert.Equal(t, 2, res.FailedRuns())

	require.Len(t, res.Failures, 3)

	// Sorted by run then job; the sentinel job never appears.
	unit := res.Failures[0]
	assert.Equal(t, int64(1), unit.RunID)
	assert.Equal(t, "unit", unit.JobName)
	assert.Equal(t, KindTestFailure, unit.Kind)
	assert.Equal(t, "test_knn", unit.ErrorMessage)
	assert.Equal(t, "https://ci/jobs/10", unit.JobURL)
	assert.Equal(t, "https://ci/runs/1", unit.RunURL)
	assert.Equal(t, "8.0", unit.Branch)

	docs := res.Failures[1]
	assert.Equal(t, "docs", docs.JobName)
	assert.Equal(t, KindAnnotationError, docs.Kind)
	assert.Equal(t, "Broken link in README", docs.ErrorMessage)

	// Job log missing, recovered from the run archive.
	san := res.Failures[2]
	assert.Equal(t, "sanitizer (address)", san.JobName)
	assert.Equal(t, KindFatalError, san.Kind)
	assert.Equal(t, "fatal: out of disk", san.ErrorMessage)
	assert.Equal(t, "bbb", san.HeadSHA)

	assert.Equal(t, 1, src.archiveCalls)
	assert.Equal(t, 1, src.annotationCalls)
}

func TestCollector_Redacts(t *testing.T) {
	src := sampleSource(t)
	src.logs[10] = lines("error: mail sent to admin@example.com bounced", "exit code 1")
	r, err := redact.New()
	require.NoError(t, err)
	c := &Collector{Source: src, Workflow: "daily.yml", AnalyzeFailures: true, Redactor: r}

	res, err := c.Run(context.Background(), testDate)
	require.NoError(t, err)
	unit := res.Failures[0]
	require.Equal(t, "unit", unit.JobName)
	assert.Contains(t, unit.ErrorMessage, "[REDACTED:pii]")
	assert.NotContains(t, unit.ErrorMessage, "admin@example.com")
	for _, l := range unit.Evidence {
		assert.NotContains(t, l, "admin@example.com")
	}
}

func TestCollector_AnalysisDisabled(t *testing.T) {
	src := sampleSource(t)
	c := &Collector{Source: src, Workflow: "daily.yml", DefaultBranch: "unstable"}

	res, err := c.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, "unstable", res.DefaultBranch)
	assert.Len(t, res.Runs, 3)
	assert.Empty(t, res.Failures)
	assert.Zero(t, src.logCalls)
}

func TestCollector_UsesCache(t *testing.T) {
	src := sampleSource(t)
	cache := &memCache{logs: map[int64]string{
		20: lines("error: from cache", "exit code 1"),
	}}
	c := &Collector{Source: src, Workflow: "daily.yml", AnalyzeFailures: true, Cache: cache, Concurrency: 1}

	res, err := c.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Zero(t, src.archiveCalls)
	for _, f := range res.Failures {
		if f.JobName == "sanitizer (address)" {
			assert.Equal(t, KindGenericError, f.Kind)
		}
	}
	// Fetched logs are written back.
	assert.Contains(t, cache.logs, int64(10))
	assert.Contains(t, cache.logs, int64(21))

	_, err = c.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 2, src.logCalls)
}

func TestCollector_Errors(t *testing.T) {
	t.Run("list runs", func(t *testing.T) {
		src := &fakeSource{runsErr: errkind.Newf(errkind.LogMinerExternal, "HTTP 502")}
		_, err := (&Collector{Source: src, AnalyzeFailures: true}).Run(context.Background(), testDate)
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.LogMinerExternal))
	})

	t.Run("log and archive both unavailable", func(t *testing.T) {
		src := sampleSource(t)
		delete(src.archives, 2)
		_, err := (&Collector{Source: src, AnalyzeFailures: true}).Run(context.Background(), testDate)
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.LogMinerExternal))
		assert.Contains(t, err.Error(), "sanitizer (address)")
	})
}
