// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migration drives slot migrations between cluster primaries.
//
// A Controller picks the central half of one of the source's owned slot
// ranges, asks the destination to import it and polls the destination until
// the task completes. Failed tasks are resubmitted with a range that has not
// been tried yet. When the bounded wait expires an abort hook runs (by
// default SIGABRT to every server process, for core dumps) before the
// timeout is returned.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/pkg/slots"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
	"github.com/AleutianAI/searchstress/services/harness/client"
)

const tracerName = "searchstress.migration"

// Defaults for Config.
const (
	DefaultTimeout      = 300 * time.Second
	DefaultPollInterval = 200 * time.Millisecond
	DefaultMaxAttempts  = 3
)

// State is the lifecycle state of a Task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ParseState maps a server-reported state onto State.
func ParseState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "success", "done":
		return StateCompleted
	case "failed", "canceled", "cancelled", "error":
		return StateFailed
	case "pending", "queued", "":
		return StatePending
	default:
		return StateRunning
	}
}

// Task is one submitted import.
type Task struct {
	ID       string
	Slots    slots.Range
	Source   string
	Dest     string
	State    State
	Attempts int

	src client.Executor
	dst client.Executor
}

// AbortHook runs once when WaitForComplete times out.
type AbortHook func(ctx context.Context) error

// TickFunc runs between status polls. An error stops the wait.
type TickFunc func(ctx context.Context) error

// Config configures a Controller.
type Config struct {
	Timeout      time.Duration
	PollInterval time.Duration

	// MaxAttempts bounds submissions per migration, the first included.
	MaxAttempts int

	// Abort runs on timeout; nil skips it.
	Abort AbortHook

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Controller starts and watches migrations.
//
// # Thread Safety
//
// Safe for concurrent use. The set of tried ranges is shared by all
// migrations of one Controller.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	tried map[slots.Range]bool
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Controller{
		cfg:    cfg,
		logger: logging.OrDiscard(cfg.Logger),
		tried:  make(map[slots.Range]bool),
	}
}

// Start submits an import of the central half of one untried source range.
//
// # Inputs
//
//   - src: the current owner. Its CLUSTER NODES "myself" line gives the ranges.
//   - dst: the primary that receives the slots and runs the task.
//
// # Outputs
//
//   - *Task: the submitted task in StatePending.
//   - error: MigrationFailed when no untried range is left.
func (c *Controller) Start(ctx context.Context, src, dst client.Executor) (*Task, error) {
	task := &Task{src: src, dst: dst, Source: describe(src), Dest: describe(dst)}
	if err := c.submit(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (c *Controller) submit(ctx context.Context, task *Task) error {
	ranges, err := client.OwnedRanges(ctx, task.src)
	if err != nil {
		return fmt.Errorf("read source ranges: %w", err)
	}
	r, ok := c.pickRange(ranges)
	if !ok {
		return errkind.Newf(errkind.MigrationFailed, "no untried slot range on %s (owns %v)", task.Source, ranges)
	}

	reply, err := task.dst.Execute(ctx, "CLUSTER", "MIGRATION", "IMPORT", r.Start, r.WireEnd())
	if err != nil {
		return fmt.Errorf("submit import of %s: %w", r, err)
	}
	task.ID = reply.Text()
	task.Slots = r
	task.State = StatePending
	task.Attempts++
	c.logger.Info("migration submitted",
		"task_id", task.ID, "slots", r.String(), "source", task.Source, "dest", task.Dest, "attempt", task.Attempts)
	return nil
}

// pickRange returns the middle half of the first range whose middle half
// has not been submitted before, and records it.
func (c *Controller) pickRange(owned []slots.Range) (slots.Range, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range slots.Normalize(owned) {
		mid, err := r.MiddleHalf()
		if err != nil || c.tried[mid] {
			continue
		}
		c.tried[mid] = true
		return mid, true
	}
	return slots.Range{}, false
}

// Status polls the task state on the destination.
func (c *Controller) Status(ctx context.Context, task *Task) (State, error) {
	reply, err := task.dst.Execute(ctx, "CLUSTER", "MIGRATION", "STATUS", "ID", task.ID)
	if err != nil {
		return "", fmt.Errorf("status of task %s: %w", task.ID, err)
	}
	state, ok := stateOf(reply)
	if !ok {
		return "", fmt.Errorf("status of task %s: no state in %s", task.ID, reply)
	}
	return ParseState(state), nil
}

func stateOf(r resp.Reply) (string, bool) {
	if s, ok := r.Get("state"); ok {
		return s.Text(), true
	}
	if r.Kind == resp.KindArray && len(r.Elems) > 0 {
		if s, ok := r.Elems[0].Get("state"); ok {
			return s.Text(), true
		}
	}
	return "", false
}

// WaitForComplete polls until task completes.
//
// A failed task is resubmitted with a fresh range until MaxAttempts is
// reached, then MigrationFailed is returned. onTick runs between polls.
// When timeout (Config.Timeout if zero) expires the abort hook runs and a
// Timeout error is returned. Context cancellation returns ctx.Err() without
// the hook.
func (c *Controller) WaitForComplete(ctx context.Context, task *Task, timeout time.Duration, onTick TickFunc) (err error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "migration.WaitForComplete",
		trace.WithAttributes(attribute.String("task.id", task.ID), attribute.String("task.slots", task.Slots.String())))
	start := time.Now()
	defer func() {
		telemetry.EndSpan(span, err)
		c.cfg.Metrics.RecordMigration(ctx, time.Since(start), err)
	}()

	deadline := start.Add(timeout)
	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	for {
		state, err := c.Status(ctx, task)
		if err != nil {
			return err
		}
		task.State = state

		switch state {
		case StateCompleted:
			c.logger.Info("migration completed", "task_id", task.ID, "slots", task.Slots.String(),
				"attempts", task.Attempts, "elapsed", time.Since(start))
			return nil
		case StateFailed:
			if task.Attempts >= c.cfg.MaxAttempts {
				return errkind.Newf(errkind.MigrationFailed, "task %s for %s failed after %d attempts",
					task.ID, task.Slots, task.Attempts)
			}
			c.logger.Warn("migration failed, resubmitting", "task_id", task.ID, "slots", task.Slots.String())
			if err := c.submit(ctx, task); err != nil {
				return err
			}
		}

		if onTick != nil {
			if err := onTick(ctx); err != nil {
				return fmt.Errorf("migration tick: %w", err)
			}
		}

		if time.Now().After(deadline) {
			c.abort(ctx, task)
			return errkind.Newf(errkind.Timeout, "task %s for %s still %s after %s",
				task.ID, task.Slots, task.State, timeout)
		}

		timer.Reset(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Controller) abort(ctx context.Context, task *Task) {
	if c.cfg.Abort == nil {
		return
	}
	c.logger.Error("migration timed out, aborting servers", "task_id", task.ID)
	if err := c.cfg.Abort(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("abort hook failed", "error", err)
	}
}

// Migrate is Start followed by WaitForComplete.
func (c *Controller) Migrate(ctx context.Context, src, dst client.Executor, onTick TickFunc) (*Task, error) {
	task, err := c.Start(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	return task, c.WaitForComplete(ctx, task, 0, onTick)
}

// VerifyOwnership checks that every key in task's slots answers on the
// destination and is redirected by the source.
func VerifyOwnership(ctx context.Context, task *Task, keys []string) error {
	for _, key := range keys {
		if !task.Slots.Contains(slots.Of(key)) {
			continue
		}
		reply, err := task.dst.Execute(ctx, "EXISTS", key)
		if err != nil {
			return errkind.Wrapf(err, errkind.MigrationFailed, "key %s not served by destination %s", key, task.Dest)
		}
		if n, err := reply.AsInt(); err != nil || n != 1 {
			return errkind.Newf(errkind.MigrationFailed, "key %s missing on destination %s: EXISTS replied %s", key, task.Dest, reply)
		}
		_, err = task.src.Execute(ctx, "EXISTS", key)
		if msg, ok := client.ServerMessage(err); !ok || !strings.HasPrefix(msg, "MOVED") {
			return errkind.Newf(errkind.MigrationFailed, "key %s still served by source %s", key, task.Source)
		}
	}
	return nil
}

func describe(exec client.Executor) string {
	if c, ok := exec.(*client.Conn); ok {
		return c.Endpoint().Addr()
	}
	return fmt.Sprintf("%T", exec)
}
