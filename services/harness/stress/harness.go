// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stress wires the harness components into runnable scenarios.
//
// A Harness owns one client pool and the components built on it. Each
// Scenario creates its own index under a private key prefix, asserts on
// the server's answers, and drops the index again, so scenarios can run
// in any order against the same deployment.
package stress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
	"github.com/AleutianAI/searchstress/services/harness/client"
	"github.com/AleutianAI/searchstress/services/harness/docgen"
	"github.com/AleutianAI/searchstress/services/harness/gc"
	"github.com/AleutianAI/searchstress/services/harness/memory"
	"github.com/AleutianAI/searchstress/services/harness/migration"
	"github.com/AleutianAI/searchstress/services/harness/oracle"
	"github.com/AleutianAI/searchstress/services/harness/schema"
	"github.com/AleutianAI/searchstress/services/harness/workers"
)

const tracerName = "searchstress.stress"

// indexPoll is the FT.INFO polling interval while waiting for a scan.
const indexPoll = 100 * time.Millisecond

// loadWriters is the number of concurrent pipelines used to load documents.
const loadWriters = 4

// Harness bundles a connected pool with the components driven over it.
//
// # Thread Safety
//
// Scenarios are run one at a time; the components themselves are safe
// for concurrent use.
type Harness struct {
	cfg     Config
	runID   string
	logger  *slog.Logger
	metrics *telemetry.Metrics

	// exec routes keyed commands; in cluster mode it follows MOVED.
	exec      client.Executor
	target    client.Target
	clustered bool
	close     func() error

	Oracle     *oracle.Oracle
	Workers    *workers.Driver
	Memory     *memory.Throttle
	GC         *gc.Coordinator
	Migrations *migration.Controller
}

// Dial connects to cfg.Addrs and builds every component.
//
// # Inputs
//
//   - ctx: bounds the initial handshake with every endpoint.
//   - cfg: a validated Config.
//   - logger: nil discards.
//   - metrics: nil disables.
//
// # Outputs
//
//   - *Harness: call Close when done.
//   - error: the pool could not be dialed.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) (*Harness, error) {
	ccfg := client.DefaultConfig(cfg.Addrs...)
	ccfg.Protocol = cfg.Protocol
	if cfg.CommandTimeout > 0 {
		ccfg.CommandTimeout = cfg.CommandTimeout
	}
	ccfg.Logger = logger
	ccfg.Metrics = metrics

	pool, err := client.Dial(ctx, ccfg)
	if err != nil {
		return nil, fmt.Errorf("dial pool: %w", err)
	}
	var exec client.Executor = pool.Conn(0)
	if pool.Clustered() {
		exec = pool.Cluster()
	}
	h := newHarness(cfg, exec, pool, pool.Clustered(), logger, metrics)
	h.close = pool.Close
	return h, nil
}

func newHarness(cfg Config, exec client.Executor, target client.Target, clustered bool, logger *slog.Logger, metrics *telemetry.Metrics) *Harness {
	runID := uuid.NewString()
	logger = logging.OrDiscard(logger).With("run_id", runID)

	mcfg := migration.Config{
		Timeout:      cfg.Migration.Timeout,
		PollInterval: cfg.Migration.PollInterval,
		MaxAttempts:  cfg.Migration.MaxAttempts,
		Logger:       logger,
		Metrics:      metrics,
	}
	if cfg.Migration.AbortOnTimeout {
		mcfg.Abort = migration.SignalServers(target, logger)
	}

	return &Harness{
		cfg:        cfg,
		runID:      runID,
		logger:     logger,
		metrics:    metrics,
		exec:       exec,
		target:     target,
		clustered:  clustered,
		Oracle:     oracle.New(oracle.Config{ScoreTolerance: cfg.ScoreTolerance, Logger: logger, Metrics: metrics}),
		Workers:    workers.New(target, logger),
		Memory:     memory.New(target, logger),
		GC:         gc.New(target, logger, metrics),
		Migrations: migration.New(mcfg),
	}
}

// RunID identifies this harness in logs.
func (h *Harness) RunID() string { return h.runID }

// Clustered reports whether the deployment runs in cluster mode.
func (h *Harness) Clustered() bool { return h.clustered }

// Primaries returns the per-endpoint executors in configuration order.
func (h *Harness) Primaries() []client.Executor { return h.target.Primaries() }

// Exec returns the key-routing executor.
func (h *Harness) Exec() client.Executor { return h.exec }

// Close releases the pool.
func (h *Harness) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

// coordinator is the endpoint index DDL and scenario queries go to.
func (h *Harness) coordinator() client.Executor { return h.target.Primaries()[0] }

// =============================================================================
// Index lifecycle
// =============================================================================

// createIndex creates d and returns a cleanup that drops it with its
// documents. The cleanup uses a context that survives ctx cancellation.
func (h *Harness) createIndex(ctx context.Context, d *schema.Descriptor) (func() error, error) {
	if err := d.Create(ctx, h.coordinator()); err != nil {
		return nil, err
	}
	h.logger.Debug("index created", "index", d.Name())
	return func() error {
		return d.Drop(context.WithoutCancel(ctx), h.coordinator(), true)
	}, nil
}

// dropOnExit joins the cleanup error into *err.
func dropOnExit(err *error, drop func() error) {
	if derr := drop(); derr != nil {
		*err = errors.Join(*err, derr)
	}
}

// waitIndexed polls FT.INFO on every primary until none reports a scan in
// progress.
func (h *Harness) waitIndexed(ctx context.Context, d *schema.Descriptor) error {
	timeout := h.cfg.IndexTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(indexPoll)
	defer ticker.Stop()

	for {
		busy := -1
		for i, exec := range h.target.Primaries() {
			info, err := d.FetchInfo(ctx, exec)
			if err != nil {
				return err
			}
			if info.Indexing {
				busy = i
				break
			}
		}
		if busy < 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errkind.Newf(errkind.Timeout, "index %s still scanning on endpoint %d after %s", d.Name(), busy, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// info returns FT.INFO of d from the coordinator.
func (h *Harness) info(ctx context.Context, d *schema.Descriptor) (schema.Info, error) {
	return d.FetchInfo(ctx, h.coordinator())
}

// load writes docs through loadWriters concurrent pipelines.
func (h *Harness) load(ctx context.Context, storage schema.Storage, docs []docgen.Document) error {
	batch := h.cfg.BatchSize
	if batch <= 0 {
		batch = docgen.DefaultBatchSize
	}
	chunk := (len(docs) + loadWriters - 1) / loadWriters
	if chunk < batch {
		chunk = batch
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(docs); start += chunk {
		part := docs[start:min(start+chunk, len(docs))]
		w := &docgen.Writer{Exec: h.exec, Storage: storage, BatchSize: batch, Logger: h.logger}
		g.Go(func() error { return w.Write(gctx, part) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	h.logger.Info("documents loaded", "count", len(docs), "storage", storage)
	return nil
}

// deleteKeys removes keys through one pipeline per batch.
func (h *Harness) deleteKeys(ctx context.Context, storage schema.Storage, keys []string) error {
	batch := h.cfg.BatchSize
	if batch <= 0 {
		batch = docgen.DefaultBatchSize
	}
	for start := 0; start < len(keys); start += batch {
		part := keys[start:min(start+batch, len(keys))]
		cmds := make([][]any, len(part))
		for i, k := range part {
			cmds[i] = docgen.DeleteArgs(k, storage)
		}
		if _, err := h.exec.ExecutePipelined(ctx, cmds); err != nil {
			return fmt.Errorf("delete batch at %d: %w", start, err)
		}
	}
	return nil
}
