// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the searchstress instruments. All names carry the
// "searchstress_" prefix.
//
// The Record* helpers are nil-safe: a component built without metrics
// passes a nil *Metrics and every call becomes a no-op.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Metrics struct {
	// --- Server commands ---

	// CommandsTotal counts commands by name and outcome kind.
	CommandsTotal metric.Int64Counter

	// CommandDuration records round-trip time in seconds.
	CommandDuration metric.Float64Histogram

	// --- Oracle ---

	// OracleChecksTotal counts Verify calls by family and outcome.
	OracleChecksTotal metric.Int64Counter

	// --- Background stress ---

	// MigrationsTotal counts migration tasks by outcome.
	MigrationsTotal metric.Int64Counter

	// MigrationDuration records submit-to-terminal time in seconds.
	MigrationDuration metric.Float64Histogram

	// PerturbUpdatesTotal counts perturbator rewrites.
	PerturbUpdatesTotal metric.Int64Counter

	// GCInvocationsTotal counts forced GC passes by mode.
	GCInvocationsTotal metric.Int64Counter

	// --- Log miner ---

	// FailuresClassifiedTotal counts failure records by kind.
	FailuresClassifiedTotal metric.Int64Counter

	// APIRequestsTotal counts REST calls by endpoint and outcome.
	APIRequestsTotal metric.Int64Counter
}

// NewMetrics registers every instrument with meter.
//
// # Inputs
//
//   - meter: usually otel.Meter("searchstress").
//
// # Outputs
//
//   - *Metrics: ready to use.
//   - error: the first registration failure.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
		unit   string
	}{
		{&m.CommandsTotal, "searchstress_commands_total", "Server commands issued", "{command}"},
		{&m.OracleChecksTotal, "searchstress_oracle_checks_total", "Oracle verifications", "{check}"},
		{&m.MigrationsTotal, "searchstress_migrations_total", "Slot migration tasks", "{task}"},
		{&m.PerturbUpdatesTotal, "searchstress_perturb_updates_total", "Perturbator document rewrites", "{update}"},
		{&m.GCInvocationsTotal, "searchstress_gc_invocations_total", "Forced GC passes", "{pass}"},
		{&m.FailuresClassifiedTotal, "searchstress_failures_classified_total", "Failure records by kind", "{record}"},
		{&m.APIRequestsTotal, "searchstress_api_requests_total", "CI REST requests", "{request}"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
	}

	m.CommandDuration, err = meter.Float64Histogram(
		"searchstress_command_duration_seconds",
		metric.WithDescription("Server command round-trip time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create command_duration: %w", err)
	}

	m.MigrationDuration, err = meter.Float64Histogram(
		"searchstress_migration_duration_seconds",
		metric.WithDescription("Slot migration time to a terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create migration_duration: %w", err)
	}

	return m, nil
}

// Default builds Metrics on the global meter provider. Registration on the
// global provider only fails for invalid names, so an error here is a bug.
func Default() *Metrics {
	m, err := NewMetrics(otel.Meter("searchstress"))
	if err != nil {
		panic(err)
	}
	return m
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errkind.Of(err))
}

// RecordCommand counts one command and its latency.
func (m *Metrics) RecordCommand(ctx context.Context, name string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("command", name),
		attribute.String("outcome", outcome(err)),
	)
	m.CommandsTotal.Add(ctx, 1, attrs)
	m.CommandDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordOracleCheck counts one verification for a query family.
func (m *Metrics) RecordOracleCheck(ctx context.Context, family string, err error) {
	if m == nil {
		return
	}
	m.OracleChecksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("outcome", outcome(err)),
	))
}

// RecordMigration counts one migration and its duration.
func (m *Metrics) RecordMigration(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(err)))
	m.MigrationsTotal.Add(ctx, 1, attrs)
	m.MigrationDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordPerturbUpdate counts one document rewrite.
func (m *Metrics) RecordPerturbUpdate(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.PerturbUpdatesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
}

// RecordGC counts one forced GC pass; mode is "sync" or "background".
func (m *Metrics) RecordGC(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.GCInvocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordFailure counts one classified failure record.
func (m *Metrics) RecordFailure(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.FailuresClassifiedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAPIRequest counts one REST call.
func (m *Metrics) RecordAPIRequest(ctx context.Context, endpoint string, err error) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome(err)),
	))
}
