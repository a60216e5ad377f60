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
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/pkg/retry"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
)

// ClusterConn routes each command to the node owning its key, following
// MOVED and ASK redirects. Document writes during migration go through it.
//
// # Thread Safety
//
// Safe for concurrent use. Unlike Conn, commands from different goroutines
// may run in parallel.
type ClusterConn struct {
	rdb     *redis.ClusterClient
	timeout time.Duration
	retry   retry.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func newClusterConn(cfg Config) *ClusterConn {
	rdb := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:                 cfg.Addrs,
		Protocol:              cfg.Protocol,
		MaxRedirects:          8,
		DialTimeout:           cfg.CommandTimeout,
		ContextTimeoutEnabled: true,
	})
	return &ClusterConn{
		rdb:     rdb,
		timeout: cfg.CommandTimeout,
		retry:   cfg.Retry,
		logger:  cfg.Logger.With("endpoint", "cluster"),
		metrics: cfg.Metrics,
	}
}

// Execute sends one command to the node owning its key.
func (c *ClusterConn) Execute(ctx context.Context, args ...any) (resp.Reply, error) {
	if len(args) == 0 {
		return resp.Reply{}, errors.New("execute: empty command")
	}
	name := commandName(args)
	var reply resp.Reply
	_, err := retry.Do(ctx, c.retry, IsClusterBringUp, func(ctx context.Context, _ int) error {
		cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		v, err := c.rdb.Do(cmdCtx, args...).Result()
		if errors.Is(err, redis.Nil) {
			v, err = nil, nil
		}
		if err != nil {
			err = classify("cluster", name, err)
		}
		c.metrics.RecordCommand(ctx, name, time.Since(start), err)
		if err != nil {
			return err
		}
		reply = resp.FromValue(v)
		return nil
	})
	if err != nil {
		return resp.Reply{}, err
	}
	return reply, nil
}

// ExecutePipelined sends cmds through a cluster pipeline. The client splits
// the batch per owning node; order of replies matches cmds.
func (c *ClusterConn) ExecutePipelined(ctx context.Context, cmds [][]any) ([]resp.Reply, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pipe := c.rdb.Pipeline()
	results := make([]*redis.Cmd, len(cmds))
	for i, args := range cmds {
		results[i] = pipe.Do(cmdCtx, args...)
	}
	start := time.Now()
	_, _ = pipe.Exec(cmdCtx)

	return collectPipeline(ctx, "cluster", cmds, results, start, c.metrics)
}

// Close releases every node connection.
func (c *ClusterConn) Close() error {
	return c.rdb.Close()
}
