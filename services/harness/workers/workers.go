// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workers drives the extension's background worker pool and its
// background-scan barriers through FT.DEBUG.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/services/harness/client"
)

// Stats is one endpoint's worker pool counters.
type Stats struct {
	Pending int64
	Done    int64
	Threads int64
}

// ParseStats reads FT.DEBUG WORKERS STATS in either protocol.
func ParseStats(r resp.Reply) (Stats, error) {
	var s Stats
	for name, dst := range map[string]*int64{
		"totalPendingJobs": &s.Pending,
		"totalJobsDone":    &s.Done,
		"numThreadsAlive":  &s.Threads,
	} {
		v, ok := r.Get(name)
		if !ok {
			return Stats{}, fmt.Errorf("worker stats missing %s", name)
		}
		n, err := v.AsInt()
		if err != nil {
			return Stats{}, fmt.Errorf("worker stats %s: %w", name, err)
		}
		*dst = n
	}
	return s, nil
}

// Barrier kinds for the background scanner.
type Barrier string

const (
	BarrierBeforeScan  Barrier = "SET_PAUSE_BEFORE_SCAN"
	BarrierScannedDocs Barrier = "SET_PAUSE_ON_SCANNED_DOCS"
	BarrierOOM         Barrier = "SET_PAUSE_ON_OOM"
)

type barrierKey struct {
	kind Barrier
	n    int
}

// Driver issues worker pool and scanner commands to every primary.
//
// # Thread Safety
//
// Safe for concurrent use.
type Driver struct {
	target client.Target
	logger *slog.Logger

	mu       sync.Mutex
	barriers map[barrierKey]bool
}

// New creates a Driver.
func New(target client.Target, logger *slog.Logger) *Driver {
	return &Driver{
		target:   target,
		logger:   logging.OrDiscard(logger),
		barriers: make(map[barrierKey]bool),
	}
}

func (d *Driver) each(ctx context.Context, args ...any) ([]resp.Reply, error) {
	execs := d.target.Primaries()
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

// =============================================================================
// Worker pool
// =============================================================================

// Pause suspends job execution. When a primary refuses, the primaries
// already paused are resumed before the error is returned.
func (d *Driver) Pause(ctx context.Context) error {
	execs := d.target.Primaries()
	for i, exec := range execs {
		if _, err := exec.Execute(ctx, "FT.DEBUG", "WORKERS", "PAUSE"); err != nil {
			err = fmt.Errorf("endpoint %d: %w", i, err)
			for j := range i {
				if _, rerr := execs[j].Execute(context.WithoutCancel(ctx), "FT.DEBUG", "WORKERS", "RESUME"); rerr != nil {
					d.logger.Error("resume after failed pause", "endpoint", j, "error", rerr)
					err = errors.Join(err, fmt.Errorf("endpoint %d resume: %w", j, rerr))
				}
			}
			return err
		}
	}
	return nil
}

// Resume lets queued jobs run.
func (d *Driver) Resume(ctx context.Context) error {
	_, err := d.each(ctx, "FT.DEBUG", "WORKERS", "RESUME")
	return err
}

// Drain blocks until every pool is idle.
func (d *Driver) Drain(ctx context.Context) error {
	_, err := d.each(ctx, "FT.DEBUG", "WORKERS", "DRAIN")
	return err
}

// WithPaused runs fn with the pool paused and resumes it on every exit
// path, panics included. A resume failure is joined into the result.
func (d *Driver) WithPaused(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := d.Pause(ctx); err != nil {
		return fmt.Errorf("pause workers: %w", err)
	}
	defer func() {
		if rerr := d.Resume(context.WithoutCancel(ctx)); rerr != nil {
			d.logger.Error("resume workers failed", "error", rerr)
			err = errors.Join(err, fmt.Errorf("resume workers: %w", rerr))
		}
	}()
	return fn(ctx)
}

// Stats returns per-endpoint counters in Primaries order.
func (d *Driver) Stats(ctx context.Context) ([]Stats, error) {
	replies, err := d.each(ctx, "FT.DEBUG", "WORKERS", "STATS")
	if err != nil {
		return nil, err
	}
	out := make([]Stats, len(replies))
	for i, r := range replies {
		if out[i], err = ParseStats(r); err != nil {
			return nil, fmt.Errorf("endpoint %d: %w", i, err)
		}
	}
	return out, nil
}

// AssertDrained drains the pools and checks that nothing is pending.
func (d *Driver) AssertDrained(ctx context.Context) error {
	if err := d.Drain(ctx); err != nil {
		return err
	}
	stats, err := d.Stats(ctx)
	if err != nil {
		return err
	}
	for i, s := range stats {
		if s.Pending != 0 {
			return fmt.Errorf("endpoint %d: %d jobs pending after drain", i, s.Pending)
		}
	}
	return nil
}

// =============================================================================
// Scanner barriers
// =============================================================================

func (d *Driver) register(ctx context.Context, key barrierKey, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.barriers[key] {
		d.logger.Debug("barrier already registered", "barrier", key.kind, "n", key.n)
		return nil
	}
	if _, err := d.each(ctx, args...); err != nil {
		return fmt.Errorf("register %s: %w", key.kind, err)
	}
	d.barriers[key] = true
	return nil
}

// PauseBeforeScan stops the next background scan before its first document.
func (d *Driver) PauseBeforeScan(ctx context.Context) error {
	return d.register(ctx, barrierKey{kind: BarrierBeforeScan},
		"FT.DEBUG", "BG_SCAN_CONTROLLER", string(BarrierBeforeScan), "true")
}

// PauseOnScannedDocs pauses the scan once n documents were scanned.
func (d *Driver) PauseOnScannedDocs(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("scanned docs barrier needs n > 0, got %d", n)
	}
	return d.register(ctx, barrierKey{kind: BarrierScannedDocs, n: n},
		"FT.DEBUG", "BG_SCAN_CONTROLLER", string(BarrierScannedDocs), strconv.Itoa(n))
}

// PauseOnOOM pauses the scan when it hits the memory limit instead of
// failing the index.
func (d *Driver) PauseOnOOM(ctx context.Context) error {
	return d.register(ctx, barrierKey{kind: BarrierOOM},
		"FT.DEBUG", "BG_SCAN_CONTROLLER", string(BarrierOOM), "true")
}

// ResumeScan releases a paused scan and forgets fired barriers.
func (d *Driver) ResumeScan(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.each(ctx, "FT.DEBUG", "BG_SCAN_CONTROLLER", "SET_BG_INDEX_RESUME"); err != nil {
		return err
	}
	clear(d.barriers)
	return nil
}

// ScanStatus returns each endpoint's scanner status string.
func (d *Driver) ScanStatus(ctx context.Context) ([]string, error) {
	replies, err := d.each(ctx, "FT.DEBUG", "BG_SCAN_CONTROLLER", "GET_DEBUG_SCANNER_STATUS")
	if err != nil {
		return nil, err
	}
	out := make([]string, len(replies))
	for i, r := range replies {
		out[i] = strings.ToUpper(r.Text())
	}
	return out, nil
}

// WaitForScanStatus polls until every endpoint reports want.
func (d *Driver) WaitForScanStatus(ctx context.Context, want string, timeout, poll time.Duration) error {
	want = strings.ToUpper(want)
	deadline := time.Now().Add(timeout)
	for {
		statuses, err := d.ScanStatus(ctx)
		if err != nil {
			return err
		}
		if allEqual(statuses, want) {
			return nil
		}
		if time.Now().After(deadline) {
			return errkind.Newf(errkind.Timeout, "scanner status %v, want %s after %s", statuses, want, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

func allEqual(values []string, want string) bool {
	for _, v := range values {
		if v != want {
			return false
		}
	}
	return true
}

// =============================================================================
// Monitor
// =============================================================================

// Monitor checks that completed-job counters never go backwards.
type Monitor struct {
	driver *Driver
	last   []int64
}

// Monitor starts a counter monitor.
func (d *Driver) Monitor() *Monitor {
	return &Monitor{driver: d}
}

// Observe samples stats and fails if any endpoint's done count dropped.
func (m *Monitor) Observe(ctx context.Context) ([]Stats, error) {
	stats, err := m.driver.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if m.last != nil && len(m.last) == len(stats) {
		for i, s := range stats {
			if s.Done < m.last[i] {
				return stats, fmt.Errorf("endpoint %d: jobs done went from %d to %d", i, m.last[i], s.Done)
			}
		}
	}
	m.last = make([]int64, len(stats))
	for i, s := range stats {
		m.last[i] = s.Done
	}
	return stats, nil
}
