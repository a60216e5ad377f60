// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
)

// ErrSkipped marks a scenario the deployment cannot run, such as a
// migration scenario against a single primary.
var ErrSkipped = errors.New("scenario skipped")

func skipf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSkipped, fmt.Sprintf(format, args...))
}

// Scenario is one named end-to-end check.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, h *Harness) error
}

// Lookup finds a registered scenario by name.
func Lookup(name string) (Scenario, bool) {
	for _, s := range Scenarios() {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// Outcome is the result of one scenario run.
type Outcome struct {
	Name    string
	Elapsed time.Duration
	Skipped bool
	Err     error
}

// Kind returns the error taxonomy kind of a failed outcome.
func (o Outcome) Kind() errkind.Kind {
	if o.Err == nil || o.Skipped {
		return ""
	}
	return errkind.Of(o.Err)
}

// Run executes the configured scenarios (all when none are configured) in
// registration order and returns one Outcome per scenario. The error joins
// every failure; skips are not failures.
func (h *Harness) Run(ctx context.Context) ([]Outcome, error) {
	selected := Scenarios()
	if len(h.cfg.Scenarios) > 0 {
		selected = selected[:0:0]
		for _, name := range h.cfg.Scenarios {
			s, ok := Lookup(name)
			if !ok {
				return nil, fmt.Errorf("unknown scenario %q", name)
			}
			selected = append(selected, s)
		}
	}

	outcomes := make([]Outcome, 0, len(selected))
	var failures []error
	for _, s := range selected {
		if err := ctx.Err(); err != nil {
			return outcomes, errors.Join(append(failures, err)...)
		}
		o := h.RunScenario(ctx, s)
		outcomes = append(outcomes, o)
		if o.Err != nil && !o.Skipped {
			failures = append(failures, fmt.Errorf("%s: %w", s.Name, o.Err))
		}
	}
	return outcomes, errors.Join(failures...)
}

// RunScenario runs s inside a span and logs the outcome.
func (h *Harness) RunScenario(ctx context.Context, s Scenario) Outcome {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "stress.Scenario",
		trace.WithAttributes(attribute.String("scenario", s.Name), attribute.String("run_id", h.runID)))
	logger := telemetry.LoggerWithTrace(ctx, h.logger).With("scenario", s.Name)

	start := time.Now()
	err := s.Run(ctx, h)
	o := Outcome{Name: s.Name, Elapsed: time.Since(start), Err: err, Skipped: errors.Is(err, ErrSkipped)}

	switch {
	case o.Skipped:
		logger.Warn("scenario skipped", "reason", err.Error())
		telemetry.EndSpan(span, nil)
	case err != nil:
		logger.Error("scenario failed", "error", err, "kind", o.Kind(), "elapsed", o.Elapsed)
		telemetry.EndSpan(span, err)
	default:
		logger.Info("scenario passed", "elapsed", o.Elapsed)
		telemetry.EndSpan(span, nil)
	}
	return o
}
