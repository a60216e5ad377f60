// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/pkg/retry"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
)

// =============================================================================
// Interfaces
// =============================================================================

// Executor issues commands on one logical connection.
//
// Every harness component talks to the server through this interface, so
// unit tests substitute clienttest.Fake.
type Executor interface {
	// Execute sends one command and returns its reply. A server error reply
	// comes back as an error marked errkind.ServerRefused.
	Execute(ctx context.Context, args ...any) (resp.Reply, error)

	// ExecutePipelined sends cmds in one round trip. Server errors appear
	// as resp.Error entries in the result and the first of them is also
	// returned as the error; a transport failure returns nil replies.
	ExecutePipelined(ctx context.Context, cmds [][]any) ([]resp.Reply, error)
}

// Target is a set of primary endpoints that cluster-wide operations
// (memory tighten, GC, worker pause) apply to.
type Target interface {
	Primaries() []Executor
}

// Executors adapts a slice of executors to Target.
type Executors []Executor

// Primaries returns the slice itself.
func (e Executors) Primaries() []Executor { return e }

// =============================================================================
// Errors
// =============================================================================

// ServerError is a command-error reply from the server.
type ServerError struct {
	// Addr is the endpoint that replied.
	Addr string

	// Command is the command name (first argument).
	Command string

	// Message is the error text, e.g. "Unknown index name".
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s on %s: %s", e.Command, e.Addr, e.Message)
}

// ServerMessage extracts the server's error text from err, if err came from
// a server error reply.
func ServerMessage(err error) (string, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Message, true
	}
	return "", false
}

// IsClusterBringUp reports whether err is one of the transient errors a
// cluster emits while it is still forming.
func IsClusterBringUp(err error) bool {
	msg, ok := ServerMessage(err)
	if !ok {
		return false
	}
	lower := strings.ToLower(msg)
	return strings.HasPrefix(msg, "CLUSTERDOWN") ||
		strings.Contains(lower, "not initialized") ||
		strings.Contains(lower, "could not distribute")
}

// IsOOM reports whether err is an out-of-memory refusal.
func IsOOM(err error) bool {
	msg, ok := ServerMessage(err)
	return ok && (strings.HasPrefix(msg, "OOM") || strings.Contains(strings.ToLower(msg), "out of memory"))
}

func classify(addr, command string, err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return errkind.Mark(&ServerError{Addr: addr, Command: command, Message: rerr.Error()}, errkind.ServerRefused)
	}
	return errkind.Wrapf(err, errkind.Transport, "%s on %s", command, addr)
}

func commandName(args []any) string {
	if len(args) == 0 {
		return ""
	}
	name := strings.ToUpper(fmt.Sprint(args[0]))
	// Two-word commands are reported by both words.
	if len(args) > 1 {
		switch name {
		case "FT.DEBUG", "FT.CURSOR", "CLUSTER", "CONFIG", "FT.CONFIG":
			return name + " " + strings.ToUpper(fmt.Sprint(args[1]))
		}
	}
	return name
}

// =============================================================================
// Conn
// =============================================================================

// Conn is one logical connection to an endpoint.
//
// # Thread Safety
//
// Safe for concurrent use. Commands on one Conn are serialized in issue
// order; use separate Conns for parallelism.
type Conn struct {
	index    int
	addr     string
	endpoint Endpoint
	rdb      *redis.Client
	mu       sync.Mutex
	timeout  time.Duration
	retry    retry.Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	// epMu guards endpoint, which RefreshTopology rewrites.
	epMu sync.RWMutex
}

func newConn(index int, ep Endpoint, cfg Config) *Conn {
	rdb := redis.NewClient(&redis.Options{
		Addr:                  ep.Addr(),
		Protocol:              cfg.Protocol,
		UnstableResp3:         true,
		PoolSize:              1,
		MinIdleConns:          1,
		MaxRetries:            -1,
		DialTimeout:           cfg.CommandTimeout,
		ContextTimeoutEnabled: true,
	})
	return &Conn{
		index:    index,
		addr:     ep.Addr(),
		endpoint: ep,
		rdb:      rdb,
		timeout:  cfg.CommandTimeout,
		retry:    cfg.Retry,
		logger:   cfg.Logger.With("endpoint", index, "addr", ep.Addr()),
		metrics:  cfg.Metrics,
	}
}

// Index returns the endpoint's position in the pool.
func (c *Conn) Index() int { return c.index }

// Endpoint returns a snapshot of the endpoint this connection serves.
func (c *Conn) Endpoint() Endpoint {
	c.epMu.RLock()
	defer c.epMu.RUnlock()
	return c.endpoint.clone()
}

func (c *Conn) setEndpoint(ep Endpoint) {
	c.epMu.Lock()
	c.endpoint = ep
	c.epMu.Unlock()
}

// Execute sends one command.
//
// Cluster bring-up errors are retried within the pool's retry budget; all
// other errors return at once. The command times out after the pool's
// per-command timeout.
func (c *Conn) Execute(ctx context.Context, args ...any) (resp.Reply, error) {
	if len(args) == 0 {
		return resp.Reply{}, errors.New("execute: empty command")
	}
	var reply resp.Reply
	_, err := retry.Do(ctx, c.retry, IsClusterBringUp, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			c.logger.Warn("retrying during cluster bring-up", "command", commandName(args), "attempt", attempt)
		}
		var err error
		reply, err = c.executeOnce(ctx, args)
		return err
	})
	if err != nil {
		return resp.Reply{}, err
	}
	return reply, nil
}

func (c *Conn) executeOnce(ctx context.Context, args []any) (resp.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := commandName(args)
	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	v, err := c.rdb.Do(cmdCtx, args...).Result()
	if errors.Is(err, redis.Nil) {
		err = nil
		v = nil
	}
	if err != nil {
		err = classify(c.addr, name, err)
	}
	c.metrics.RecordCommand(ctx, name, time.Since(start), err)
	c.logger.Debug("command", "command", name, "elapsed", time.Since(start), "error", err)
	if err != nil {
		return resp.Reply{}, err
	}
	return resp.FromValue(v), nil
}

// ExecutePipelined sends cmds in one round trip, in order.
func (c *Conn) ExecutePipelined(ctx context.Context, cmds [][]any) ([]resp.Reply, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pipe := c.rdb.Pipeline()
	results := make([]*redis.Cmd, len(cmds))
	for i, args := range cmds {
		results[i] = pipe.Do(cmdCtx, args...)
	}
	start := time.Now()
	_, _ = pipe.Exec(cmdCtx)

	return collectPipeline(ctx, c.addr, cmds, results, start, c.metrics)
}

// collectPipeline turns executed pipeline commands into replies. Server
// errors stay in place as resp.Error entries; a transport error aborts.
func collectPipeline(ctx context.Context, addr string, cmds [][]any, results []*redis.Cmd, start time.Time, metrics *telemetry.Metrics) ([]resp.Reply, error) {
	replies := make([]resp.Reply, len(cmds))
	var firstErr error
	for i, cmd := range results {
		v, err := cmd.Result()
		switch {
		case err == nil:
			replies[i] = resp.FromValue(v)
		case errors.Is(err, redis.Nil):
			replies[i] = resp.Null()
		default:
			classified := classify(addr, commandName(cmds[i]), err)
			if errkind.Is(classified, errkind.Transport) {
				metrics.RecordCommand(ctx, "PIPELINE", time.Since(start), classified)
				return nil, classified
			}
			replies[i] = resp.Error(err.Error())
			if firstErr == nil {
				firstErr = classified
			}
		}
	}
	metrics.RecordCommand(ctx, "PIPELINE", time.Since(start), firstErr)
	return replies, firstErr
}

// Close releases the underlying network connection.
func (c *Conn) Close() error {
	return c.rdb.Close()
}
