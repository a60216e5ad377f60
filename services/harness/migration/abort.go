// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/services/harness/client"
)

// ProcessAborter sends SIGABRT to every server process reachable through
// Target and to all their descendants, so the servers dump core for
// post-mortem analysis.
type ProcessAborter struct {
	Target client.Target

	// Children lists direct children of pid. Defaults to gopsutil.
	Children func(ctx context.Context, pid int32) ([]int32, error)

	// Signal delivers the abort. Defaults to unix.Kill with SIGABRT.
	Signal func(pid int32) error

	Logger *slog.Logger
}

// SignalServers returns an AbortHook backed by a default ProcessAborter.
func SignalServers(target client.Target, logger *slog.Logger) AbortHook {
	a := &ProcessAborter{Target: target, Logger: logger}
	return a.Abort
}

// Abort signals every process and returns the joined errors.
func (a *ProcessAborter) Abort(ctx context.Context) error {
	pids, err := a.Collect(ctx)
	signal := a.Signal
	if signal == nil {
		signal = abortSignal
	}
	logger := logging.OrDiscard(a.Logger)
	for _, pid := range pids {
		if serr := signal(pid); serr != nil {
			err = errors.Join(err, fmt.Errorf("signal %d: %w", pid, serr))
			continue
		}
		logger.Warn("sent SIGABRT", "pid", pid)
	}
	return err
}

// Collect returns server pids (from INFO server process_id) followed by
// their descendants, without duplicates.
func (a *ProcessAborter) Collect(ctx context.Context) ([]int32, error) {
	children := a.Children
	if children == nil {
		children = processChildren
	}
	var errs error
	seen := make(map[int32]bool)
	var out []int32

	var walk func(pid int32)
	walk = func(pid int32) {
		if seen[pid] {
			return
		}
		seen[pid] = true
		out = append(out, pid)
		kids, err := children(ctx, pid)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("children of %d: %w", pid, err))
			return
		}
		for _, k := range kids {
			walk(k)
		}
	}

	for i, exec := range a.Target.Primaries() {
		value, err := client.InfoField(ctx, exec, "server", "process_id")
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("endpoint %d: %w", i, err))
			continue
		}
		pid, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("endpoint %d process_id %q: %w", i, value, err))
			continue
		}
		walk(int32(pid))
	}
	return out, errs
}

func processChildren(ctx context.Context, pid int32) ([]int32, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	kids, err := p.ChildrenWithContext(ctx)
	if errors.Is(err, process.ErrorNoChildren) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(kids))
	for i, k := range kids {
		out[i] = k.Pid
	}
	return out, nil
}

func abortSignal(pid int32) error {
	return unix.Kill(int(pid), unix.SIGABRT)
}
