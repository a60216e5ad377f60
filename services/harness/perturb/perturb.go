// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package perturb rewrites documents in the background while queries run.
//
// Only the counter, timestamp and scratch fields are touched, so a query
// that does not reference them must keep returning the same results.
package perturb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
	"github.com/AleutianAI/searchstress/services/harness/client"
	"github.com/AleutianAI/searchstress/services/harness/docgen"
	"github.com/AleutianAI/searchstress/services/harness/schema"
)

// Field names the perturbator owns.
const (
	FieldCounter   = "counter"
	FieldTimestamp = "timestamp"
	FieldScratch   = "scratch"
)

// DefaultJoinTimeout bounds Stop.
const DefaultJoinTimeout = 10 * time.Second

// Config configures a Perturbator.
type Config struct {
	// Exec routes writes; use the cluster connection in cluster mode.
	Exec    client.Executor
	Storage schema.Storage
	Prefix  string

	// IDMin and IDMax bound document ids, [IDMin, IDMax).
	IDMin int
	IDMax int

	Workers int

	// Rate is updates per second across all workers; zero is unlimited.
	Rate float64

	// GCEvery runs GC after every GCEvery updates; zero disables it.
	GCEvery int
	GC      func(ctx context.Context) error

	// IgnoreOOM counts OOM rejections instead of failing.
	IgnoreOOM bool

	Seed        uint64
	JoinTimeout time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (c *Config) validate() error {
	if c.Exec == nil {
		return errors.New("perturb: executor is required")
	}
	if c.IDMax <= c.IDMin {
		return fmt.Errorf("perturb: empty id range [%d, %d)", c.IDMin, c.IDMax)
	}
	if c.GCEvery > 0 && c.GC == nil {
		return errors.New("perturb: GCEvery set without GC")
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	return nil
}

// Perturbator is a running set of update workers.
//
// # Thread Safety
//
// Start and Stop may be called from any goroutine; counters are atomic.
type Perturbator struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	stop    atomic.Bool
	updates atomic.Int64
	oom     atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New validates cfg and returns an idle Perturbator.
func New(cfg Config) (*Perturbator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &Perturbator{
		cfg:     cfg,
		logger:  logging.OrDiscard(cfg.Logger),
		limiter: rate.NewLimiter(limit, cfg.Workers),
	}, nil
}

// Start launches the workers. It must be called once.
func (p *Perturbator) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		gen := docgen.New(p.cfg.Seed + uint64(i))
		g.Go(func() error { return p.run(gctx, gen) })
	}
	go func() {
		p.err = g.Wait()
		close(p.done)
	}()
	p.logger.Info("perturbator started", "workers", p.cfg.Workers, "ids", fmt.Sprintf("[%d, %d)", p.cfg.IDMin, p.cfg.IDMax))
}

// Stop raises the stop flag and waits up to JoinTimeout for the workers.
// It returns the first error a worker captured, or a Timeout error when
// the workers did not finish in time.
func (p *Perturbator) Stop() error {
	if p.done == nil {
		return nil
	}
	p.stop.Store(true)
	timer := time.NewTimer(p.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.cancel()
		return errkind.Newf(errkind.Timeout, "perturbator did not stop within %s", p.cfg.JoinTimeout)
	}
	p.cancel()
	p.logger.Info("perturbator stopped", "updates", p.updates.Load(), "oom", p.oom.Load())
	return p.err
}

// Updates returns the number of successful updates.
func (p *Perturbator) Updates() int64 { return p.updates.Load() }

// OOMRejections returns the number of updates rejected for memory.
func (p *Perturbator) OOMRejections() int64 { return p.oom.Load() }

func (p *Perturbator) run(ctx context.Context, gen *docgen.Generator) error {
	for !p.stop.Load() {
		if err := p.limiter.Wait(ctx); err != nil {
			if p.stop.Load() {
				return nil
			}
			return err
		}
		id := gen.Range(p.cfg.IDMin, p.cfg.IDMax)
		err := p.update(ctx, docgen.Key(p.cfg.Prefix, id), gen)
		p.cfg.Metrics.RecordPerturbUpdate(ctx, err)
		if err != nil {
			if p.cfg.IgnoreOOM && client.IsOOM(err) {
				p.oom.Add(1)
				continue
			}
			return fmt.Errorf("update doc %d: %w", id, err)
		}
		n := p.updates.Add(1)
		if p.cfg.GCEvery > 0 && n%int64(p.cfg.GCEvery) == 0 {
			if err := p.cfg.GC(ctx); err != nil {
				return fmt.Errorf("gc after %d updates: %w", n, err)
			}
		}
	}
	return nil
}

type scratchFields struct {
	Counter   int    `json:"counter"`
	Timestamp int64  `json:"timestamp"`
	Scratch   string `json:"scratch"`
}

// UpdateArgs renders the rewrite of key's perturbable fields.
func UpdateArgs(storage schema.Storage, key string, counter int, ts time.Time, scratch string) ([]any, error) {
	if storage == schema.StorageJSON {
		body, err := json.Marshal(scratchFields{Counter: counter, Timestamp: ts.UnixNano(), Scratch: scratch})
		if err != nil {
			return nil, err
		}
		return []any{"JSON.MERGE", key, "$", string(body)}, nil
	}
	return []any{
		"HSET", key,
		FieldCounter, strconv.Itoa(counter),
		FieldTimestamp, strconv.FormatInt(ts.UnixNano(), 10),
		FieldScratch, scratch,
	}, nil
}

func (p *Perturbator) update(ctx context.Context, key string, gen *docgen.Generator) error {
	args, err := UpdateArgs(p.cfg.Storage, key, gen.IntN(1_000_000), time.Now(), uuid.NewString())
	if err != nil {
		return err
	}
	_, err = p.cfg.Exec.Execute(ctx, args...)
	return err
}
