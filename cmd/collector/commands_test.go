// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/searchstress/services/logminer"
)

type stubSource struct {
	runs      []logminer.Run
	err       error
	gotToken  string
	jobsCalls int
}

func (s *stubSource) ListRuns(context.Context, string, time.Time) ([]logminer.Run, error) {
	return s.runs, s.err
}

func (s *stubSource) ListJobs(_ context.Context, runID int64) ([]logminer.Job, error) {
	s.jobsCalls++
	return []logminer.Job{{ID: runID * 10, Name: "unit", Conclusion: "failure"}}, nil
}

func (s *stubSource) JobLog(context.Context, int64) (string, error) {
	return "error: assertion failed\nexit code 1\n", nil
}

func (s *stubSource) RunArchive(context.Context, int64) ([]byte, error) {
	return nil, errors.New("unused")
}

func (s *stubSource) Annotations(context.Context, string) ([]logminer.Annotation, error) {
	return nil, nil
}

func execute(t *testing.T, src *stubSource, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	factory := func(_ context.Context, cfg logminer.GitHubConfig) (logminer.Source, error) {
		src.gotToken = cfg.Token
		return src, nil
	}
	cmd := newRootCmd(&stdout, &stderr, factory)
	cmd.SetArgs(append([]string{"--quiet", "--output", "machine"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String() + stderr.String(), err
}

func TestCollectionDate(t *testing.T) {
	now := time.Date(2025, 3, 15, 0, 30, 0, 0, time.FixedZone("x", 3*3600))
	got, err := collectionDate("", now)
	require.NoError(t, err)
	// 00:30 at +03:00 is still the 14th in UTC.
	assert.Equal(t, time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC), got)

	got, err = collectionDate("2025-01-02", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), got)

	_, err = collectionDate("02/01/2025", now)
	assert.Error(t, err)
}

func TestCollector_WritesArtifacts(t *testing.T) {
	t.Setenv(EnvGitHubToken, "ghp_test")
	dir := t.TempDir()
	src := &stubSource{runs: []logminer.Run{
		{ID: 1, Branch: "main", Conclusion: "failure"},
		{ID: 2, Branch: "main", Conclusion: "success"},
	}}

	out, err := execute(t, src, "--date", "2025-03-14", "--out", dir)
	require.NoError(t, err, out)
	assert.Equal(t, "ghp_test", src.gotToken)
	assert.Equal(t, 1, src.jobsCalls)
	assert.Contains(t, out, "FAIL: 2 runs, 1 failed, 1 failed jobs")
	assert.Contains(t, out, "generic_error\t1\t100.0%")

	for _, name := range []string{
		"daily_2025-03-14.json",
		"daily_2025-03-14_summary.txt",
		"daily_2025-03-14_failures.json",
		"daily_2025-03-14_failure_report.txt",
		"runs_list.txt",
	} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	failures, err := os.ReadFile(filepath.Join(dir, "daily_2025-03-14_failures.json"))
	require.NoError(t, err)
	assert.Contains(t, string(failures), `"failure_kind": "generic_error"`)
}

func TestCollector_NoTokenDisablesAnalysis(t *testing.T) {
	t.Setenv(EnvGitHubToken, "")
	dir := t.TempDir()
	src := &stubSource{runs: []logminer.Run{{ID: 1, Branch: "main", Conclusion: "failure"}}}

	out, err := execute(t, src, "--date", "2025-03-14", "--out", dir)
	require.NoError(t, err)
	assert.Empty(t, src.gotToken)
	assert.Zero(t, src.jobsCalls)
	assert.Contains(t, out, "WARN: GH_TOKEN is not set")
	assert.FileExists(t, filepath.Join(dir, "daily_2025-03-14.json"))
}

func TestCollector_NoRunsIsAWarning(t *testing.T) {
	t.Setenv(EnvGitHubToken, "ghp_test")
	dir := filepath.Join(t.TempDir(), "out")

	out, err := execute(t, &stubSource{}, "--date", "2025-03-14", "--out", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "WARN: no runs of daily.yml on 2025-03-14")
	assert.NoDirExists(t, dir)
}

func TestCollector_Failures(t *testing.T) {
	t.Setenv(EnvGitHubToken, "ghp_test")

	_, err := execute(t, &stubSource{err: errors.New("HTTP 502")}, "--date", "2025-03-14", "--out", t.TempDir())
	assert.Error(t, err)

	_, err = execute(t, &stubSource{}, "--date", "yesterday")
	assert.Error(t, err)

	_, err = execute(t, &stubSource{}, "--date", "2025-03-14", "--log-level", "loud")
	assert.Error(t, err)

	_, err = execute(t, &stubSource{}, "--date", "2025-03-14", "--workflow", "../daily.yml")
	assert.ErrorContains(t, err, "invalid workflow file name")

	_, err = execute(t, &stubSource{}, "unexpected-arg")
	assert.Error(t, err)
}

func TestSecret(t *testing.T) {
	var absent *secret
	v, err := absent.reveal()
	require.NoError(t, err)
	assert.Empty(t, v)

	t.Setenv("SEARCHSTRESS_TEST_SECRET", "s3cret")
	s := secretFromEnv("SEARCHSTRESS_TEST_SECRET")
	require.NotNil(t, s)
	v, err = s.reveal()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)
	// Revealing twice works; the enclave is not consumed.
	v, err = s.reveal()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)
}
