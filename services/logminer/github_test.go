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
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func newTestSource(t *testing.T, mux *http.ServeMux) (*GitHubSource, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	src, err := NewGitHubSource(context.Background(), GitHubConfig{
		Repo:    "acme/search",
		Token:   "test-token",
		BaseURL: srv.URL,
		Retry:   fastRetry(),
	})
	require.NoError(t, err)
	return src, srv
}

func TestNewGitHubSource_RejectsBadRepo(t *testing.T) {
	for _, repo := range []string{"", "acme", "/search", "acme/", "a/b/c"} {
		_, err := NewGitHubSource(context.Background(), GitHubConfig{Repo: repo})
		assert.Error(t, err, repo)
	}
}

func TestGitHubSource_ListRunsPaginates(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("GET /repos/acme/search/actions/workflows/daily.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2025-03-14", r.URL.Query().Get("created"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"total_count":2,"workflow_runs":[{"id":2,"head_branch":"8.0","conclusion":"success"}]}`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/search/actions/workflows/daily.yml/runs?page=2>; rel="next"`, srvURL))
		fmt.Fprint(w, `{"total_count":2,"workflow_runs":[{"id":1,"run_number":41,"head_branch":"main","conclusion":"failure","head_sha":"abc","html_url":"https://ci/runs/1"}]}`)
	})
	src, srv := newTestSource(t, mux)
	srvURL = srv.URL

	runs, err := src.ListRuns(context.Background(), "daily.yml", testDate)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, Run{ID: 1, Number: 41, Branch: "main", Conclusion: "failure", HeadSHA: "abc", URL: "https://ci/runs/1"}, runs[0])
	assert.True(t, runs[0].Failed())
	assert.Equal(t, "8.0", runs[1].Branch)
}

func TestGitHubSource_ClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/search/actions/runs/9/jobs", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	src, _ := newTestSource(t, mux)

	_, err := src.ListJobs(context.Background(), 9)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, errkind.Is(err, errkind.LogMinerExternal))
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusNotFound, ae.Status)
	assert.Equal(t, "list_jobs", ae.Endpoint)
}

func TestGitHubSource_ServerErrorsAreRetried(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/search/actions/runs/9/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "latest", r.URL.Query().Get("filter"))
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"total_count":1,"jobs":[{"id":90,"run_id":9,"name":"unit","conclusion":"failure","steps":[{"number":1,"name":"Set up job","conclusion":"success"}]}]}`)
	})
	src, _ := newTestSource(t, mux)

	jobs, err := src.ListJobs(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	require.Len(t, jobs, 1)
	assert.Equal(t, "unit", jobs[0].Name)
	assert.True(t, jobs[0].Failed())
	assert.Equal(t, []Step{{Number: 1, Name: "Set up job", Conclusion: "success"}}, jobs[0].Steps)
}

func TestGitHubSource_ServerErrorsExhaustAttempts(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/search/actions/runs/9/jobs", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	src, _ := newTestSource(t, mux)

	_, err := src.ListJobs(context.Background(), 9)
	require.Error(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestGitHubSource_JobLogFollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/search/actions/jobs/10/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+r.Host+"/download/job-10.txt", http.StatusFound)
	})
	mux.HandleFunc("GET /download/job-10.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "error: boom\nexit code 1\n")
	})
	src, _ := newTestSource(t, mux)

	log, err := src.JobLog(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, KindGenericError, Classify(log).Kind)
}

func TestGitHubSource_ExpiredDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/search/actions/runs/7/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+r.Host+"/download/run-7.zip", http.StatusFound)
	})
	var downloads atomic.Int32
	mux.HandleFunc("GET /download/run-7.zip", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.WriteHeader(http.StatusGone)
	})
	src, _ := newTestSource(t, mux)

	_, err := src.RunArchive(context.Background(), 7)
	require.Error(t, err)
	assert.Equal(t, int32(1), downloads.Load())
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusGone, ae.Status)
}

func TestGitHubSource_RunArchive(t *testing.T) {
	archive := buildArchive(t, zipEntry{"unit/1_Run.txt", "fatal: x\nexit code 1\n"})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/search/actions/runs/7/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+r.Host+"/download/run-7.zip", http.StatusFound)
	})
	mux.HandleFunc("GET /download/run-7.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(archive)
	})
	src, _ := newTestSource(t, mux)

	got, err := src.RunArchive(context.Background(), 7)
	require.NoError(t, err)
	log, err := ExtractJobLog(got, "unit")
	require.NoError(t, err)
	assert.Equal(t, KindFatalError, Classify(log).Kind)
}

func TestGitHubSource_Annotations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/search/commits/abc/check-runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":2,"check_runs":[
			{"id":5,"output":{"annotations_count":2}},
			{"id":6,"output":{"annotations_count":0}}]}`)
	})
	mux.HandleFunc("GET /repos/acme/search/check-runs/5/annotations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"annotation_level":"failure","message":"Process completed with exit code 1."},
			{"annotation_level":"failure","title":"disk","message":"No space left on device","path":".github"}]`)
	})
	mux.HandleFunc("GET /repos/acme/search/check-runs/6/annotations", func(w http.ResponseWriter, r *http.Request) {
		t.Error("check run without annotations was queried")
	})
	src, _ := newTestSource(t, mux)

	anns, err := src.Annotations(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, anns, 2)
	assert.Equal(t, Annotation{Level: "failure", Title: "disk", Message: "No space left on device", Path: ".github"}, anns[1])

	c, ok := FromAnnotations(anns)
	require.True(t, ok)
	assert.Equal(t, "No space left on device", c.Message)
}
