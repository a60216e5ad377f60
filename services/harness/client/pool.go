// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client holds connections to the server endpoints under test.
//
// A Pool keeps one logical connection (Conn) per endpoint and, on demand, a
// cluster pseudo-connection that routes commands by key hash. Replies are
// converted to resp.Reply so the rest of the harness is protocol-agnostic.
//
// # Error Handling
//
//   - Server error replies become *ServerError marked errkind.ServerRefused.
//   - Connection failures and per-command timeouts are marked errkind.Transport.
//   - CLUSTERDOWN, "not initialized" and "could not distribute" errors are
//     retried with backoff within a 5 second budget, then raised.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/pkg/retry"
	"github.com/AleutianAI/searchstress/pkg/slots"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
)

// DefaultCommandTimeout bounds one command round trip.
const DefaultCommandTimeout = 10 * time.Second

var configValidate = validator.New()

// =============================================================================
// Endpoint
// =============================================================================

// Role is an endpoint's cluster role.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Endpoint is a reachable server address. Identity is (Host, Port).
type Endpoint struct {
	Host  string
	Port  int
	Role  Role
	ID    string        // cluster node id, empty when standalone
	Slots []slots.Range // owned ranges, half-open
}

// Addr returns "host:port".
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Owns reports whether the endpoint owns slot.
func (e Endpoint) Owns(slot int) bool {
	return slots.ContainsSlot(e.Slots, slot)
}

func (e Endpoint) clone() Endpoint {
	e.Slots = append([]slots.Range(nil), e.Slots...)
	return e
}

// ParseEndpoint parses "host:port" into a primary Endpoint.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: bad port", addr)
	}
	return Endpoint{Host: host, Port: port, Role: RolePrimary}, nil
}

// =============================================================================
// Config
// =============================================================================

// Config configures a Pool.
type Config struct {
	// Addrs lists the endpoints as "host:port". Order defines endpoint indexes.
	Addrs []string `validate:"required,min=1,dive,hostname_port"`

	// Protocol selects RESP2 or RESP3.
	Protocol int `validate:"oneof=2 3"`

	// CommandTimeout bounds each round trip. Default: 10s.
	CommandTimeout time.Duration `validate:"gte=0"`

	// Retry governs cluster bring-up retries. Default: retry.ClusterBringUp().
	Retry retry.Config

	// Logger receives per-command debug records. Nil discards.
	Logger *slog.Logger

	// Metrics counts commands. Nil disables.
	Metrics *telemetry.Metrics
}

// DefaultConfig returns a RESP3 config for addrs.
func DefaultConfig(addrs ...string) Config {
	return Config{
		Addrs:          addrs,
		Protocol:       3,
		CommandTimeout: DefaultCommandTimeout,
		Retry:          retry.ClusterBringUp(),
	}
}

func (c Config) withDefaults() Config {
	if c.Protocol == 0 {
		c.Protocol = 3
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.Retry == (retry.Config{}) {
		c.Retry = retry.ClusterBringUp()
	}
	c.Logger = logging.OrDiscard(c.Logger)
	return c
}

// =============================================================================
// Pool
// =============================================================================

// Pool holds one Conn per endpoint.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pool struct {
	cfg   Config
	conns []*Conn

	mu        sync.RWMutex
	clustered bool
	cluster   *ClusterConn
}

// Dial connects to every endpoint in cfg and loads the slot map.
//
// # Inputs
//
//   - ctx: bounds the initial PING and CLUSTER NODES round trips.
//   - cfg: endpoints and protocol.
//
// # Outputs
//
//   - *Pool: ready to use; call Close when done.
//   - error: invalid config, or the first endpoint that failed PING.
func Dial(ctx context.Context, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := configValidate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	p := &Pool{cfg: cfg}
	for i, addr := range cfg.Addrs {
		ep, err := ParseEndpoint(addr)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.conns = append(p.conns, newConn(i, ep, cfg))
	}

	for _, c := range p.conns {
		if _, err := c.Execute(ctx, "PING"); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("ping endpoint %d: %w", c.Index(), err)
		}
	}

	if err := p.RefreshTopology(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	cfg.Logger.Info("client pool ready", "endpoints", len(p.conns), "protocol", cfg.Protocol, "clustered", p.Clustered())
	return p, nil
}

// Protocol returns the RESP version in use.
func (p *Pool) Protocol() int { return p.cfg.Protocol }

// Len returns the number of endpoints.
func (p *Pool) Len() int { return len(p.conns) }

// Conn returns the connection for endpoint index i.
func (p *Pool) Conn(i int) *Conn { return p.conns[i] }

// Conns returns every connection in endpoint order.
func (p *Pool) Conns() []*Conn {
	return append([]*Conn(nil), p.conns...)
}

// Endpoints returns snapshots of every endpoint.
func (p *Pool) Endpoints() []Endpoint {
	out := make([]Endpoint, len(p.conns))
	for i, c := range p.conns {
		out[i] = c.Endpoint()
	}
	return out
}

// ConnFor returns the connection serving ep, matched by (Host, Port).
func (p *Pool) ConnFor(ep Endpoint) (*Conn, bool) {
	for _, c := range p.conns {
		if c.addr == ep.Addr() {
			return c, true
		}
	}
	return nil, false
}

// PrimaryConns returns connections whose endpoint is a primary.
func (p *Pool) PrimaryConns() []*Conn {
	var out []*Conn
	for _, c := range p.conns {
		if c.Endpoint().Role == RolePrimary {
			out = append(out, c)
		}
	}
	return out
}

// Primaries returns the primary connections as executors.
func (p *Pool) Primaries() []Executor {
	conns := p.PrimaryConns()
	out := make([]Executor, len(conns))
	for i, c := range conns {
		out[i] = c
	}
	return out
}

// Clustered reports whether the server runs in cluster mode.
func (p *Pool) Clustered() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clustered
}

// OwnerOf returns the primary owning key's slot under the current slot map.
func (p *Pool) OwnerOf(key string) (*Conn, error) {
	slot := slots.Of(key)
	for _, c := range p.PrimaryConns() {
		if c.Endpoint().Owns(slot) {
			return c, nil
		}
	}
	return nil, errkind.Newf(errkind.Transport, "no endpoint owns slot %d (key %q)", slot, key)
}

// RefreshTopology reloads roles and slot ownership from CLUSTER NODES.
//
// Against a standalone server (cluster support disabled) every endpoint
// becomes a primary owning the whole slot space.
func (p *Pool) RefreshTopology(ctx context.Context) error {
	reply, err := p.conns[0].Execute(ctx, "CLUSTER", "NODES")
	if err != nil {
		if msg, ok := ServerMessage(err); ok && isClusterDisabled(msg) {
			p.mu.Lock()
			p.clustered = false
			p.mu.Unlock()
			for _, c := range p.conns {
				ep := c.Endpoint()
				ep.Role = RolePrimary
				ep.Slots = []slots.Range{{Start: 0, End: slots.Count}}
				c.setEndpoint(ep)
			}
			return nil
		}
		return fmt.Errorf("refresh topology: %w", err)
	}

	nodes, err := ParseClusterNodes(reply.Text())
	if err != nil {
		return fmt.Errorf("refresh topology: %w", err)
	}
	p.mu.Lock()
	p.clustered = true
	p.mu.Unlock()

	for _, c := range p.conns {
		node, ok := findNode(nodes, c.addr)
		if !ok {
			p.cfg.Logger.Warn("endpoint missing from CLUSTER NODES", "addr", c.addr)
			continue
		}
		ep := c.Endpoint()
		ep.ID = node.ID
		ep.Role = node.Role
		ep.Slots = node.Slots
		c.setEndpoint(ep)
	}
	return nil
}

// Cluster returns the key-routing pseudo-connection, creating it on first use.
func (p *Pool) Cluster() *ClusterConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cluster == nil {
		p.cluster = newClusterConn(p.cfg)
	}
	return p.cluster
}

// Close closes every connection.
func (p *Pool) Close() error {
	var errs []error
	for _, c := range p.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.mu.Lock()
	if p.cluster != nil {
		if err := p.cluster.Close(); err != nil {
			errs = append(errs, err)
		}
		p.cluster = nil
	}
	p.mu.Unlock()
	return errors.Join(errs...)
}
