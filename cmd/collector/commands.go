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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
	"github.com/AleutianAI/searchstress/pkg/ux"
	"github.com/AleutianAI/searchstress/pkg/validation"
	"github.com/AleutianAI/searchstress/services/logminer"
	"github.com/AleutianAI/searchstress/services/logminer/cache"
	"github.com/AleutianAI/searchstress/services/logminer/redact"
	"github.com/AleutianAI/searchstress/services/logminer/report"
	"github.com/AleutianAI/searchstress/services/logminer/sinks"
)

// Defaults for flags.
const (
	DefaultWorkflow = "daily.yml"
	DefaultRepo     = "valkey-io/valkey-search"
	DefaultOutDir   = "ci-failures"
)

// Environment variables holding credentials.
const (
	EnvGitHubToken = "GH_TOKEN"
	EnvInfluxToken = "INFLUX_TOKEN"
)

type sourceFactory func(ctx context.Context, cfg logminer.GitHubConfig) (logminer.Source, error)

func newGitHubSource(ctx context.Context, cfg logminer.GitHubConfig) (logminer.Source, error) {
	src, err := logminer.NewGitHubSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return src, nil
}

type options struct {
	date          string
	workflow      string
	repo          string
	defaultBranch string
	outDir        string
	concurrency   int

	cacheDir string

	gcsBucket      string
	gcsPrefix      string
	gcsCredentials string

	influxURL    string
	influxOrg    string
	influxBucket string

	logLevel      string
	jsonLogs      bool
	quiet         bool
	output        string
	traceExporter string
}

func newRootCmd(stdout, stderr io.Writer, newSource sourceFactory) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Classify failed CI jobs of one workflow for one day",
		Long: `Collector lists the runs of a GitHub Actions workflow created on one UTC day,
classifies every failed job from its log, and writes:

  <workflow>_<date>.json                 raw run list
  <workflow>_<date>_summary.txt          per-branch totals
  <workflow>_<date>_failures.json        one record per failed job
  <workflow>_<date>_failure_report.txt   per-branch failure report
  runs_list.txt                          one line per run, appended

Failure analysis needs GH_TOKEN; without it only the run list is collected.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := collect(cmd.Context(), opts, stdout, stderr, newSource)
			if err != nil {
				fmt.Fprintf(stderr, "collector: %v\n", err)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.date, "date", "", "UTC day to collect, YYYY-MM-DD (default: yesterday)")
	f.StringVar(&opts.workflow, "workflow", DefaultWorkflow, "workflow file name")
	f.StringVar(&opts.repo, "repo", DefaultRepo, "repository as owner/name")
	f.StringVar(&opts.defaultBranch, "default-branch", "main", "branch listed first in reports")
	f.StringVar(&opts.outDir, "out", DefaultOutDir, "artifact output directory")
	f.IntVar(&opts.concurrency, "concurrency", logminer.DefaultConcurrency, "runs analyzed in parallel")
	f.StringVar(&opts.cacheDir, "cache-dir", "", "job log cache directory (disabled when empty)")
	f.StringVar(&opts.gcsBucket, "gcs-bucket", "", "upload artifacts to this GCS bucket")
	f.StringVar(&opts.gcsPrefix, "gcs-prefix", "", "object prefix for uploaded artifacts")
	f.StringVar(&opts.gcsCredentials, "gcs-credentials", "", "service account key file (default: application credentials)")
	f.StringVar(&opts.influxURL, "influx-url", "", "write failure counts to this InfluxDB (token from INFLUX_TOKEN)")
	f.StringVar(&opts.influxOrg, "influx-org", "", "InfluxDB organization")
	f.StringVar(&opts.influxBucket, "influx-bucket", "", "InfluxDB bucket")
	f.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	f.BoolVar(&opts.jsonLogs, "json-logs", false, "log JSON to stderr")
	f.BoolVar(&opts.quiet, "quiet", false, "disable logging to stderr")
	f.StringVar(&opts.output, "output", "", "rich, minimal or machine (default: detect terminal)")
	f.StringVar(&opts.traceExporter, "trace-exporter", "none", "otlp, stdout or none")
	return cmd
}

// collectionDate parses s, defaulting to the previous UTC day.
func collectionDate(s string, now time.Time) (time.Time, error) {
	if s == "" {
		y, m, d := now.UTC().AddDate(0, 0, -1).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

func collect(ctx context.Context, opts *options, stdout, stderr io.Writer, newSource sourceFactory) error {
	date, err := collectionDate(opts.date, time.Now())
	if err != nil {
		return err
	}
	if err := validation.ValidateWorkflow(opts.workflow); err != nil {
		return err
	}
	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: level, Service: "collector", JSON: opts.jsonLogs, Quiet: opts.quiet})
	defer log.Close()
	logger := log.Slog().With("workflow", opts.workflow, "date", date.Format(time.DateOnly))

	mode := ux.DetectMode(stdout)
	if opts.output != "" {
		mode = ux.ParseMode(opts.output)
	}
	out := ux.NewPrinter(stdout, mode)

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = "searchstress-collector"
	tcfg.TraceExporter = opts.traceExporter
	tcfg.MetricExporter = "none"
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics := telemetry.Default()

	ghToken := secretFromEnv(EnvGitHubToken)
	analyze := ghToken != nil
	if !analyze {
		out.Warning(EnvGitHubToken + " is not set; failure analysis disabled")
	}
	token, err := ghToken.reveal()
	if err != nil {
		return err
	}
	src, err := newSource(ctx, logminer.GitHubConfig{Repo: opts.repo, Token: token, Logger: logger, Metrics: metrics})
	if err != nil {
		return err
	}

	redactor, err := redact.New()
	if err != nil {
		return err
	}
	c := &logminer.Collector{
		Source:          src,
		Repo:            opts.repo,
		Workflow:        opts.workflow,
		DefaultBranch:   opts.defaultBranch,
		AnalyzeFailures: analyze,
		Concurrency:     opts.concurrency,
		Redactor:        redactor,
		Logger:          logger,
		Metrics:         metrics,
	}
	if analyze && opts.cacheDir != "" {
		lc, err := cache.Open(cache.Config{
			Path:           opts.cacheDir,
			TTL:            cache.DefaultTTL,
			GCDiscardRatio: 0.5,
			Logger:         logger,
		})
		if err != nil {
			logger.Warn("log cache unavailable", "dir", opts.cacheDir, "error", err)
		} else {
			defer lc.Close()
			c.Cache = lc
		}
	}

	res, err := c.Run(ctx, date)
	if err != nil {
		out.Error("collection failed")
		return err
	}
	if len(res.Runs) == 0 {
		out.Warning(fmt.Sprintf("no runs of %s on %s", opts.workflow, date.Format(time.DateOnly)))
		return nil
	}

	paths, err := report.WriteAll(opts.outDir, res)
	if err != nil {
		return err
	}
	if err := publish(ctx, opts, res, paths, logger); err != nil {
		return err
	}
	printSummary(out, res, opts.outDir)
	return nil
}

// publish sends artifacts to the optional sinks. Both are attempted; the
// errors are joined.
func publish(ctx context.Context, opts *options, res *logminer.Result, paths []string, logger *slog.Logger) error {
	var errs []error
	if opts.gcsBucket != "" {
		up, err := sinks.NewGCSUploader(ctx, sinks.GCSConfig{
			Bucket:          opts.gcsBucket,
			Prefix:          opts.gcsPrefix,
			CredentialsFile: opts.gcsCredentials,
			Logger:          logger,
		})
		if err == nil {
			_, err = up.UploadFiles(ctx, paths)
			if cerr := up.Close(); err == nil {
				err = cerr
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("upload artifacts: %w", err))
		}
	}
	if opts.influxURL != "" {
		token, err := secretFromEnv(EnvInfluxToken).reveal()
		if err == nil {
			var sink *sinks.InfluxSink
			sink, err = sinks.NewInfluxSink(sinks.InfluxConfig{
				URL:    opts.influxURL,
				Token:  token,
				Org:    opts.influxOrg,
				Bucket: opts.influxBucket,
				Logger: logger,
			})
			if err == nil {
				err = sink.Write(ctx, res)
				sink.Close()
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("write influx points: %w", err))
		}
	}
	return errors.Join(errs...)
}

func printSummary(out *ux.Printer, res *logminer.Result, dir string) {
	out.Title(fmt.Sprintf("%s %s on %s", res.Repo, res.Workflow, res.Date.Format(time.DateOnly)))
	msg := fmt.Sprintf("%d runs, %d failed, %d failed jobs", len(res.Runs), res.FailedRuns(), len(res.Failures))
	if res.FailedRuns() == 0 {
		out.Success(msg)
	} else {
		out.Error(msg)
	}
	var rows [][]string
	for _, h := range report.Histogram(res.Failures) {
		rows = append(rows, []string{string(h.Kind), fmt.Sprint(h.Count), fmt.Sprintf("%.1f%%", h.Percent)})
	}
	if len(rows) > 0 {
		out.Table([]string{"KIND", "JOBS", "SHARE"}, rows)
	}
	out.Info("artifacts written to " + dir)
}
