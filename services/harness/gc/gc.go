// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gc triggers and observes index garbage collection.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
	"github.com/AleutianAI/searchstress/services/harness/client"
	"github.com/AleutianAI/searchstress/services/harness/schema"
)

// Stats is the post-GC view of one endpoint's index.
type Stats struct {
	BytesCollected int64
	InvertedSizeMB float64
}

// Coordinator runs GC commands against every primary.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	target  client.Target
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a Coordinator. metrics may be nil.
func New(target client.Target, logger *slog.Logger, metrics *telemetry.Metrics) *Coordinator {
	return &Coordinator{target: target, logger: logging.OrDiscard(logger), metrics: metrics}
}

func (c *Coordinator) each(ctx context.Context, args ...any) ([]resp.Reply, error) {
	execs := c.target.Primaries()
	out := make([]resp.Reply, len(execs))
	for i, exec := range execs {
		r, err := exec.Execute(ctx, args...)
		if err != nil {
			return nil, fmt.Errorf("endpoint %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// ForceInvoke runs a synchronous GC pass on index and returns when the
// server reports it finished.
func (c *Coordinator) ForceInvoke(ctx context.Context, index string) error {
	_, err := c.each(ctx, "FT.DEBUG", "GC_FORCEINVOKE", index)
	c.metrics.RecordGC(ctx, "sync")
	if err == nil {
		c.logger.Debug("gc invoked", "index", index)
	}
	return err
}

// ForceBackgroundInvoke schedules a GC pass without waiting for it.
func (c *Coordinator) ForceBackgroundInvoke(ctx context.Context, index string) error {
	_, err := c.each(ctx, "FT.DEBUG", "GC_FORCEBGINVOKE", index)
	c.metrics.RecordGC(ctx, "background")
	return err
}

// WaitForJobs blocks until queued GC jobs have run.
func (c *Coordinator) WaitForJobs(ctx context.Context) error {
	_, err := c.each(ctx, "FT.DEBUG", "GC_WAIT_FOR_JOBS")
	return err
}

// StopSchedule stops periodic GC on index.
func (c *Coordinator) StopSchedule(ctx context.Context, index string) error {
	_, err := c.each(ctx, "FT.DEBUG", "GC_STOP_SCHEDULE", index)
	return err
}

// ContinueSchedule restarts periodic GC on index.
func (c *Coordinator) ContinueSchedule(ctx context.Context, index string) error {
	_, err := c.each(ctx, "FT.DEBUG", "GC_CONTINUE_SCHEDULE", index)
	return err
}

// WithScheduleStopped runs fn with periodic GC stopped so that only
// explicit invocations collect. The schedule is restarted on every exit
// path, panics included.
func (c *Coordinator) WithScheduleStopped(ctx context.Context, index string, fn func(ctx context.Context) error) (err error) {
	if err := c.StopSchedule(ctx, index); err != nil {
		return fmt.Errorf("stop gc schedule: %w", err)
	}
	defer func() {
		if cerr := c.ContinueSchedule(context.WithoutCancel(ctx), index); cerr != nil {
			err = errors.Join(err, fmt.Errorf("continue gc schedule: %w", cerr))
		}
	}()
	return fn(ctx)
}

// Stats reads gc_stats.bytes_collected and inverted_sz_mb from FT.INFO.
func (c *Coordinator) Stats(ctx context.Context, index string) ([]Stats, error) {
	replies, err := c.each(ctx, "FT.INFO", index)
	if err != nil {
		return nil, err
	}
	out := make([]Stats, len(replies))
	for i, r := range replies {
		info := schema.ParseInfo(r)
		out[i] = Stats{BytesCollected: info.BytesCollected, InvertedSizeMB: info.InvertedSizeMB}
	}
	return out, nil
}

// InvertedIndexSummary returns numberOfBlocks of term's inverted index on
// each endpoint.
func (c *Coordinator) InvertedIndexSummary(ctx context.Context, index, term string) ([]int64, error) {
	replies, err := c.each(ctx, "FT.DEBUG", "INVIDX_SUMMARY", index, term)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(replies))
	for i, r := range replies {
		v, ok := r.Get("numberOfBlocks")
		if !ok {
			return nil, fmt.Errorf("endpoint %d: INVIDX_SUMMARY without numberOfBlocks", i)
		}
		if out[i], err = v.AsInt(); err != nil {
			return nil, fmt.Errorf("endpoint %d numberOfBlocks: %w", i, err)
		}
	}
	return out, nil
}

// NumericIndexSummary returns the integer fields of NUMIDX_SUMMARY
// (numRanges, numEntries, emptyLeaves and so on) per endpoint.
func (c *Coordinator) NumericIndexSummary(ctx context.Context, index, field string) ([]map[string]int64, error) {
	replies, err := c.each(ctx, "FT.DEBUG", "NUMIDX_SUMMARY", index, field)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]int64, len(replies))
	for i, r := range replies {
		pairs, ok := r.AsPairs()
		if !ok {
			return nil, fmt.Errorf("endpoint %d: NUMIDX_SUMMARY is %s", i, r.Kind)
		}
		m := make(map[string]int64, len(pairs))
		for _, p := range pairs {
			if n, err := p.Value.AsInt(); err == nil {
				m[p.Key.Text()] = n
			}
		}
		out[i] = m
	}
	return out, nil
}

// AssertReclaimed checks that after deleting every document the term's
// inverted index holds at most one block and the index reports no
// inverted-index memory.
func (c *Coordinator) AssertReclaimed(ctx context.Context, index, term string) error {
	blocks, err := c.InvertedIndexSummary(ctx, index, term)
	if err != nil {
		return err
	}
	stats, err := c.Stats(ctx, index)
	if err != nil {
		return err
	}
	for i := range blocks {
		if blocks[i] > 1 {
			return fmt.Errorf("endpoint %d: %d blocks left for %q", i, blocks[i], term)
		}
		if stats[i].InvertedSizeMB != 0 {
			return fmt.Errorf("endpoint %d: inverted index still %.6f MB", i, stats[i].InvertedSizeMB)
		}
	}
	return nil
}
