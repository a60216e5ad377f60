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
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/pkg/retry"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
	"github.com/AleutianAI/searchstress/pkg/validation"
)

// Timeouts per request kind.
const (
	APITimeout      = 30 * time.Second
	DownloadTimeout = 60 * time.Second
)

const (
	perPage      = 100
	maxRedirects = 0
)

// APIError is a failed REST call. Status is zero for transport failures.
type APIError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s: HTTP %d: %v", e.Endpoint, e.Status, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// retryable rejects client errors: a 4xx will not get better by asking
// again.
func retryable(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status == 0 || ae.Status >= 500
}

func statusOf(resp *github.Response, err error) int {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	var rl *github.RateLimitError
	if errors.As(err, &rl) && rl.Response != nil {
		return rl.Response.StatusCode
	}
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	return 0
}

// GitHubConfig configures a GitHubSource.
type GitHubConfig struct {
	// Repo is "owner/name".
	Repo string

	// Token authenticates REST calls. Empty makes unauthenticated calls.
	Token string

	// BaseURL overrides the API root, e.g. for GitHub Enterprise.
	BaseURL string

	// Retry defaults to retry.ThreeAttempts().
	Retry retry.Config

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// GitHubSource reads workflow data from the GitHub REST API.
//
// # Thread Safety
//
// Safe for concurrent use.
type GitHubSource struct {
	owner, repo string
	client      *github.Client
	download    *http.Client
	retry       retry.Config
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// NewGitHubSource builds a source for cfg.Repo.
func NewGitHubSource(ctx context.Context, cfg GitHubConfig) (*GitHubSource, error) {
	owner, repo, err := validation.ValidateRepo(cfg.Repo)
	if err != nil {
		return nil, err
	}

	var hc *http.Client
	if cfg.Token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}
	client := github.NewClient(hc)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse base URL: %w", err)
		}
		client.BaseURL = u
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.ThreeAttempts()
	}

	return &GitHubSource{
		owner:    owner,
		repo:     repo,
		client:   client,
		download: &http.Client{Timeout: DownloadTimeout},
		retry:    cfg.Retry,
		logger:   logging.OrDiscard(cfg.Logger),
		metrics:  cfg.Metrics,
	}, nil
}

// call runs fn with retries under a per-attempt timeout.
func (s *GitHubSource) call(ctx context.Context, endpoint string, timeout time.Duration, fn func(ctx context.Context) (*github.Response, error)) error {
	res, err := retry.Do(ctx, s.retry, retryable, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := fn(actx)
		s.metrics.RecordAPIRequest(ctx, endpoint, err)
		if err != nil {
			ae := &APIError{Endpoint: endpoint, Status: statusOf(resp, err), Err: err}
			if retryable(ae) {
				s.logger.Warn("github request failed", "endpoint", endpoint, "attempt", attempt, "error", err)
			}
			return ae
		}
		return nil
	})
	if err != nil {
		return errkind.Wrapf(err, errkind.LogMinerExternal, "after %d attempts", res.Attempts)
	}
	return nil
}

// ListRuns implements Source, following pagination.
func (s *GitHubSource) ListRuns(ctx context.Context, workflow string, date time.Time) ([]Run, error) {
	opts := &github.ListWorkflowRunsOptions{
		Created:     date.UTC().Format(time.DateOnly),
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	var runs []Run
	for {
		var page *github.WorkflowRuns
		var resp *github.Response
		err := s.call(ctx, "list_runs", APITimeout, func(ctx context.Context) (*github.Response, error) {
			var err error
			page, resp, err = s.client.Actions.ListWorkflowRunsByFileName(ctx, s.owner, s.repo, workflow, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range page.WorkflowRuns {
			runs = append(runs, runFrom(r))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	s.logger.Info("workflow runs listed", "workflow", workflow, "date", opts.Created, "runs", len(runs))
	return runs, nil
}

func runFrom(r *github.WorkflowRun) Run {
	return Run{
		ID:         r.GetID(),
		Number:     r.GetRunNumber(),
		Name:       r.GetName(),
		Branch:     r.GetHeadBranch(),
		Event:      r.GetEvent(),
		Status:     r.GetStatus(),
		Conclusion: r.GetConclusion(),
		HeadSHA:    r.GetHeadSHA(),
		URL:        r.GetHTMLURL(),
		CreatedAt:  r.GetCreatedAt().Time,
	}
}

// ListJobs implements Source.
func (s *GitHubSource) ListJobs(ctx context.Context, runID int64) ([]Job, error) {
	opts := &github.ListWorkflowJobsOptions{Filter: "latest", ListOptions: github.ListOptions{PerPage: perPage}}
	var jobs []Job
	for {
		var page *github.Jobs
		var resp *github.Response
		err := s.call(ctx, "list_jobs", APITimeout, func(ctx context.Context) (*github.Response, error) {
			var err error
			page, resp, err = s.client.Actions.ListWorkflowJobs(ctx, s.owner, s.repo, runID, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, j := range page.Jobs {
			job := Job{ID: j.GetID(), RunID: j.GetRunID(), Name: j.GetName(), Conclusion: j.GetConclusion(), URL: j.GetHTMLURL()}
			for _, st := range j.Steps {
				job.Steps = append(job.Steps, Step{Number: st.GetNumber(), Name: st.GetName(), Conclusion: st.GetConclusion()})
			}
			jobs = append(jobs, job)
		}
		if resp.NextPage == 0 {
			return jobs, nil
		}
		opts.Page = resp.NextPage
	}
}

// JobLog implements Source.
func (s *GitHubSource) JobLog(ctx context.Context, jobID int64) (string, error) {
	var loc *url.URL
	err := s.call(ctx, "job_log_url", APITimeout, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		loc, resp, err = s.client.Actions.GetWorkflowJobLogs(ctx, s.owner, s.repo, jobID, maxRedirects)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	body, err := s.fetch(ctx, "job_log", loc)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// RunArchive implements Source.
func (s *GitHubSource) RunArchive(ctx context.Context, runID int64) ([]byte, error) {
	var loc *url.URL
	err := s.call(ctx, "run_archive_url", APITimeout, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		loc, resp, err = s.client.Actions.GetWorkflowRunLogs(ctx, s.owner, s.repo, runID, maxRedirects)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, "run_archive", loc)
}

// fetch downloads a pre-signed log URL.
func (s *GitHubSource) fetch(ctx context.Context, endpoint string, loc *url.URL) ([]byte, error) {
	var body []byte
	err := s.call(ctx, endpoint, DownloadTimeout, func(ctx context.Context) (*github.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.download.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &github.Response{Response: resp}, fmt.Errorf("download %s: %s", loc.Path, resp.Status)
		}
		body, err = io.ReadAll(resp.Body)
		return nil, err
	})
	return body, err
}

// Annotations implements Source. Annotations of every check run on sha
// are returned in check-run order.
func (s *GitHubSource) Annotations(ctx context.Context, sha string) ([]Annotation, error) {
	var checks *github.ListCheckRunsResults
	err := s.call(ctx, "check_runs", APITimeout, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		checks, resp, err = s.client.Checks.ListCheckRunsForRef(ctx, s.owner, s.repo, sha,
			&github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: perPage}})
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	var out []Annotation
	for _, cr := range checks.CheckRuns {
		if cr.GetOutput().GetAnnotationsCount() == 0 {
			continue
		}
		var anns []*github.CheckRunAnnotation
		err := s.call(ctx, "annotations", APITimeout, func(ctx context.Context) (*github.Response, error) {
			var resp *github.Response
			var err error
			anns, resp, err = s.client.Checks.ListCheckRunAnnotations(ctx, s.owner, s.repo, cr.GetID(),
				&github.ListOptions{PerPage: perPage})
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, a := range anns {
			out = append(out, Annotation{
				Level:   a.GetAnnotationLevel(),
				Title:   a.GetTitle(),
				Message: a.GetMessage(),
				Path:    a.GetPath(),
			})
		}
	}
	return out, nil
}
