// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory squeezes server memory so indexing and queries hit OOM.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/services/harness/client"
)

// OOM policies for search-on-oom.
const (
	PolicyReturn = "return"
	PolicyFail   = "fail"
)

// ErrInvalidFraction is returned by Tighten for fractions outside (0, 1].
var ErrInvalidFraction = errors.New("fraction must be in (0, 1]")

// Limit computes the cap that leaves fraction of the current usage as
// headroom: ceil(used/fraction) + 1.
func Limit(used int64, fraction float64) (int64, error) {
	if !(fraction > 0 && fraction <= 1) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFraction, fraction)
	}
	return int64(math.Ceil(float64(used)/fraction)) + 1, nil
}

// Throttle sets maxmemory and the OOM policy on every primary.
type Throttle struct {
	target client.Target
	logger *slog.Logger
}

// New creates a Throttle.
func New(target client.Target, logger *slog.Logger) *Throttle {
	return &Throttle{target: target, logger: logging.OrDiscard(logger)}
}

// Tighten caps each primary at Limit(used_memory, fraction). It returns the
// caps in Primaries order.
func (t *Throttle) Tighten(ctx context.Context, fraction float64) ([]int64, error) {
	if !(fraction > 0 && fraction <= 1) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFraction, fraction)
	}
	execs := t.target.Primaries()
	caps := make([]int64, len(execs))
	for i, exec := range execs {
		used, err := client.InfoInt(ctx, exec, "memory", "used_memory")
		if err != nil {
			return caps[:i], fmt.Errorf("endpoint %d: %w", i, err)
		}
		limit, _ := Limit(used, fraction)
		if _, err := exec.Execute(ctx, "CONFIG", "SET", "maxmemory", strconv.FormatInt(limit, 10)); err != nil {
			return caps[:i], fmt.Errorf("endpoint %d set maxmemory: %w", i, err)
		}
		caps[i] = limit
		t.logger.Info("maxmemory tightened", "endpoint", i, "used", used, "maxmemory", limit)
	}
	return caps, nil
}

// Release removes the cap on every primary.
func (t *Throttle) Release(ctx context.Context) error {
	var errs error
	for i, exec := range t.target.Primaries() {
		if _, err := exec.Execute(ctx, "CONFIG", "SET", "maxmemory", "0"); err != nil {
			errs = errors.Join(errs, fmt.Errorf("endpoint %d release maxmemory: %w", i, err))
		}
	}
	return errs
}

// SetPolicy selects whether OOM queries return empty results with a
// warning (PolicyReturn) or fail (PolicyFail).
func (t *Throttle) SetPolicy(ctx context.Context, policy string) error {
	if policy != PolicyReturn && policy != PolicyFail {
		return fmt.Errorf("unknown OOM policy %q", policy)
	}
	for i, exec := range t.target.Primaries() {
		if _, err := exec.Execute(ctx, "CONFIG", "SET", "search-on-oom", policy); err != nil {
			return fmt.Errorf("endpoint %d set search-on-oom: %w", i, err)
		}
	}
	return nil
}

// Policies reads search-on-oom from every primary in Primaries order.
func (t *Throttle) Policies(ctx context.Context) ([]string, error) {
	execs := t.target.Primaries()
	out := make([]string, len(execs))
	for i, exec := range execs {
		r, err := exec.Execute(ctx, "CONFIG", "GET", "search-on-oom")
		if err != nil {
			return nil, fmt.Errorf("endpoint %d get search-on-oom: %w", i, err)
		}
		v, ok := r.Get("search-on-oom")
		if !ok {
			return nil, fmt.Errorf("endpoint %d get search-on-oom: unexpected reply %s", i, r)
		}
		out[i] = v.Text()
	}
	return out, nil
}

func (t *Throttle) restorePolicies(ctx context.Context, previous []string) error {
	var errs error
	for i, exec := range t.target.Primaries() {
		if i >= len(previous) {
			break
		}
		if _, err := exec.Execute(ctx, "CONFIG", "SET", "search-on-oom", previous[i]); err != nil {
			errs = errors.Join(errs, fmt.Errorf("endpoint %d restore search-on-oom: %w", i, err))
		}
	}
	return errs
}

// WithTightened runs fn under Tighten(fraction) with policy applied and
// always releases, panics included. The release lifts the cap and puts
// back each primary's previous search-on-oom value. A release failure is
// joined into the result.
func (t *Throttle) WithTightened(ctx context.Context, fraction float64, policy string, fn func(ctx context.Context) error) (err error) {
	var previous []string
	if policy != "" {
		if previous, err = t.Policies(ctx); err != nil {
			return err
		}
	}
	defer func() {
		release := context.WithoutCancel(ctx)
		if rerr := t.Release(release); rerr != nil {
			t.logger.Error("release maxmemory failed", "error", rerr)
			err = errors.Join(err, rerr)
		}
		if previous == nil {
			return
		}
		if rerr := t.restorePolicies(release, previous); rerr != nil {
			t.logger.Error("restore search-on-oom failed", "error", rerr)
			err = errors.Join(err, rerr)
		}
	}()
	if policy != "" {
		if err := t.SetPolicy(ctx, policy); err != nil {
			return err
		}
	}
	if _, err := t.Tighten(ctx, fraction); err != nil {
		return err
	}
	return fn(ctx)
}

// OOMFailures reads search_OOM_indexing_failures_indexes_count from INFO
// search on every primary and sums it.
func (t *Throttle) OOMFailures(ctx context.Context) (int64, error) {
	var total int64
	for i, exec := range t.target.Primaries() {
		n, err := client.InfoInt(ctx, exec, "search", "search_OOM_indexing_failures_indexes_count")
		if err != nil {
			return 0, fmt.Errorf("endpoint %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}
