// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle checks that every endpoint answers a query the same way.
//
// Comparison rules depend on the query family:
//
//   - search: the canonical reply (total, keys in order, scores, fields) must
//     match exactly.
//   - aggregate: the row stream must match, in order when the pipeline sorts
//     and as a sorted flatten otherwise.
//   - cursored aggregate: the cursor is drained with its fixed page size and
//     the concatenated stream is compared like an aggregate.
//   - hybrid: the score sequence must match in emitted order, the key sets
//     must match regardless of order, and no endpoint may emit a key twice.
//
// The oracle never retries. The first divergence is returned as a
// *MismatchError marked errkind.OracleMismatch.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
	"github.com/AleutianAI/searchstress/services/harness/client"
	"github.com/AleutianAI/searchstress/services/harness/query"
)

const tracerName = "searchstress.oracle"

// DefaultScoreTolerance is the absolute tolerance for score comparison.
const DefaultScoreTolerance = 1e-9

// =============================================================================
// Errors
// =============================================================================

// MismatchError describes the first divergent endpoint.
type MismatchError struct {
	// Endpoint is the index of the endpoint in the list passed to Verify.
	Endpoint int

	// Command is the rendered command.
	Command string

	// Expected and Got are the canonical results that differ.
	Expected any
	Got      any

	// Diff is the go-cmp diff (-expected +got) or a short reason.
	Diff string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("oracle mismatch on endpoint %d for %q:\n%s", e.Endpoint, e.Command, e.Diff)
}

// =============================================================================
// Expected outcomes
// =============================================================================

// Expected is a captured outcome for one query. Exactly one field is set,
// matching the query family.
type Expected struct {
	Search    *query.SearchResult
	Aggregate *query.AggregateResult
	Hybrid    *query.HybridResult
}

// =============================================================================
// Oracle
// =============================================================================

// Config configures an Oracle.
type Config struct {
	// ScoreTolerance defaults to DefaultScoreTolerance.
	ScoreTolerance float64

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Oracle compares query outcomes across endpoints.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no per-call state.
type Oracle struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	opts    []cmp.Option
}

// New creates an Oracle.
func New(cfg Config) *Oracle {
	tol := cfg.ScoreTolerance
	if tol <= 0 {
		tol = DefaultScoreTolerance
	}
	return &Oracle{
		logger:  logging.OrDiscard(cfg.Logger),
		metrics: cfg.Metrics,
		opts: []cmp.Option{
			cmpopts.EquateEmpty(),
			cmpopts.EquateNaNs(),
			cmpopts.EquateApprox(0, tol),
		},
	}
}

// Baseline runs q once on exec and returns the outcome to verify against
// after perturbation starts.
func (o *Oracle) Baseline(ctx context.Context, q query.Query, exec client.Executor) (*Expected, error) {
	exp, err := o.fetch(ctx, q, exec)
	if err != nil {
		return nil, fmt.Errorf("baseline %s: %w", q.Family(), err)
	}
	return exp, nil
}

// Verify runs q on every endpoint and compares each outcome with expected.
// A nil expected uses endpoint 0's outcome as the reference.
//
// # Outputs
//
//   - error: nil when every endpoint agrees; *MismatchError on the first
//     divergence; the transport or server error of a failed command.
func (o *Oracle) Verify(ctx context.Context, q query.Query, endpoints []client.Executor, expected *Expected) (err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "oracle.Verify",
		trace.WithAttributes(
			attribute.String("query.family", string(q.Family())),
			attribute.String("query.index", q.IndexName()),
			attribute.Int("endpoints", len(endpoints)),
		))
	defer func() {
		telemetry.EndSpan(span, err)
		o.metrics.RecordOracleCheck(ctx, string(q.Family()), err)
	}()

	command := commandText(q)
	for i, exec := range endpoints {
		got, err := o.fetch(ctx, q, exec)
		if err != nil {
			return fmt.Errorf("endpoint %d %s: %w", i, command, err)
		}
		if dupErr := o.checkDuplicates(i, command, got); dupErr != nil {
			return dupErr
		}
		if expected == nil {
			expected = got
			continue
		}
		if mismatch := o.compare(q, expected, got); mismatch != nil {
			mismatch.Endpoint = i
			mismatch.Command = command
			o.logger.Warn("oracle mismatch", "endpoint", i, "family", q.Family(), "command", command)
			return errkind.Mark(mismatch, errkind.OracleMismatch)
		}
	}
	o.logger.Debug("oracle agreed", "family", q.Family(), "endpoints", len(endpoints))
	return nil
}

// VerifyProfile runs FT.PROFILE for q on every endpoint and compares the
// result half with expected using the rules of q's family.
func (o *Oracle) VerifyProfile(ctx context.Context, q query.Query, endpoints []client.Executor, limited bool, expected *Expected) error {
	args, err := query.ProfileArgs(q, limited)
	if err != nil {
		return err
	}
	command := joinArgs(args)
	for i, exec := range endpoints {
		reply, err := exec.Execute(ctx, args...)
		if err != nil {
			return fmt.Errorf("endpoint %d %s: %w", i, command, err)
		}
		prof, err := query.ParseProfile(reply)
		if err != nil {
			return fmt.Errorf("endpoint %d: %w", i, err)
		}
		got, err := parseResult(q, prof.Result)
		if err != nil {
			return fmt.Errorf("endpoint %d profile result: %w", i, err)
		}
		if expected == nil {
			expected = got
			continue
		}
		if mismatch := o.compare(q, expected, got); mismatch != nil {
			mismatch.Endpoint = i
			mismatch.Command = command
			return errkind.Mark(mismatch, errkind.OracleMismatch)
		}
	}
	return nil
}

// =============================================================================
// Internals
// =============================================================================

func (o *Oracle) fetch(ctx context.Context, q query.Query, exec client.Executor) (*Expected, error) {
	if a, ok := q.(*query.Aggregate); ok && a.Cursor != nil {
		pages, err := query.Drain(ctx, exec, a)
		if err != nil {
			return nil, err
		}
		res := query.Concat(pages)
		return &Expected{Aggregate: &res}, nil
	}
	reply, err := query.Run(ctx, exec, q)
	if err != nil {
		return nil, err
	}
	return parseResult(q, reply)
}

func parseResult(q query.Query, r resp.Reply) (*Expected, error) {
	switch t := q.(type) {
	case *query.Search:
		res, err := query.ParseSearch(r, t)
		if err != nil {
			return nil, err
		}
		return &Expected{Search: &res}, nil
	case *query.Aggregate:
		res, err := query.ParseAggregate(r)
		if err != nil {
			return nil, err
		}
		return &Expected{Aggregate: &res}, nil
	case *query.Hybrid:
		res, err := query.ParseHybrid(r)
		if err != nil {
			return nil, err
		}
		return &Expected{Hybrid: &res}, nil
	default:
		return nil, fmt.Errorf("unsupported query type %T", q)
	}
}

func (o *Oracle) checkDuplicates(endpoint int, command string, got *Expected) error {
	var keys []string
	switch {
	case got.Search != nil:
		keys = got.Search.Keys()
	case got.Hybrid != nil:
		keys = got.Hybrid.Keys()
	default:
		return nil
	}
	if dups := query.Duplicates(keys); len(dups) > 0 {
		return errkind.Mark(&MismatchError{
			Endpoint: endpoint,
			Command:  command,
			Got:      keys,
			Diff:     "duplicate keys: " + strings.Join(dups, ", "),
		}, errkind.OracleMismatch)
	}
	return nil
}

func (o *Oracle) compare(q query.Query, expected, got *Expected) *MismatchError {
	switch q.Family() {
	case query.FamilySearch:
		return o.diff(expected.Search, got.Search)
	case query.FamilyAggregate, query.FamilyCursored:
		if expected.Aggregate == nil || got.Aggregate == nil {
			return o.diff(expected.Aggregate, got.Aggregate)
		}
		if a, ok := q.(*query.Aggregate); ok && a.Ordered() {
			return o.diff(expected.Aggregate.Stream(), got.Aggregate.Stream())
		}
		return o.diff(expected.Aggregate.SortedStream(), got.Aggregate.SortedStream())
	case query.FamilyHybrid:
		if expected.Hybrid == nil || got.Hybrid == nil {
			return o.diff(expected.Hybrid, got.Hybrid)
		}
		if m := o.diff(expected.Hybrid.Scores(), got.Hybrid.Scores()); m != nil {
			m.Diff = "score sequence differs:\n" + m.Diff
			return m
		}
		sorted := cmpopts.SortSlices(func(a, b string) bool { return a < b })
		if d := cmp.Diff(expected.Hybrid.Keys(), got.Hybrid.Keys(), sorted); d != "" {
			return &MismatchError{Expected: expected.Hybrid.Keys(), Got: got.Hybrid.Keys(), Diff: "key set differs:\n" + d}
		}
		return nil
	default:
		return &MismatchError{Diff: fmt.Sprintf("unknown family %q", q.Family())}
	}
}

func (o *Oracle) diff(expected, got any) *MismatchError {
	if d := cmp.Diff(expected, got, o.opts...); d != "" {
		return &MismatchError{Expected: expected, Got: got, Diff: d}
	}
	return nil
}

func commandText(q query.Query) string {
	args, err := q.Args()
	if err != nil {
		return string(q.Family())
	}
	return joinArgs(args)
}

func joinArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case []byte:
			parts[i] = fmt.Sprintf("<%d bytes>", len(v))
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, " ")
}
