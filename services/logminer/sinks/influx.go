// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sinks

import (
	"context"
	"fmt"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/services/logminer"
	"github.com/AleutianAI/searchstress/services/logminer/report"
)

// Measurement names.
const (
	FailuresMeasurement = "ci_failures"
	RunsMeasurement     = "ci_runs"
)

// InfluxConfig configures an InfluxSink.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Logger *slog.Logger
}

// InfluxSink writes one point per (branch, kind) failure count and one per
// branch run total, all stamped with the collected day.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *slog.Logger
}

// NewInfluxSink builds a blocking writer for cfg.Org and cfg.Bucket.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:   logging.OrDiscard(cfg.Logger),
	}, nil
}

// Points renders res as InfluxDB points.
func Points(res *logminer.Result) []*write.Point {
	var points []*write.Point
	for _, c := range report.BranchKindCounts(res.Failures) {
		points = append(points, influxdb2.NewPointWithMeasurement(FailuresMeasurement).
			AddTag("repo", res.Repo).
			AddTag("workflow", res.Workflow).
			AddTag("branch", c.Branch).
			AddTag("kind", string(c.Kind)).
			AddField("count", c.Count).
			SetTime(res.Date))
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
	for _, b := range report.SortBranches(branches, res.DefaultBranch) {
		points = append(points, influxdb2.NewPointWithMeasurement(RunsMeasurement).
			AddTag("repo", res.Repo).
			AddTag("workflow", res.Workflow).
			AddTag("branch", b).
			AddField("total", per[b].runs).
			AddField("failed", per[b].failed).
			SetTime(res.Date))
	}
	return points
}

// Write sends every point of res in one request.
func (s *InfluxSink) Write(ctx context.Context, res *logminer.Result) error {
	points := Points(res)
	if len(points) == 0 {
		return nil
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d points to influx: %w", len(points), err)
	}
	s.logger.Info("failure counts written to influx", "points", len(points))
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
