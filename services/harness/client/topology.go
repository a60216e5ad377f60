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
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/AleutianAI/searchstress/pkg/slots"
)

// Node is one line of CLUSTER NODES.
type Node struct {
	ID     string
	Host   string
	Port   int
	Role   Role
	Myself bool
	Failed bool
	Slots  []slots.Range
}

// Addr returns "host:port".
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// ParseClusterNodes parses the CLUSTER NODES text reply.
//
// Slot tokens are inclusive on the wire ("0-5460") and become half-open
// ranges. Migration markers ("[93->-id]") are skipped.
func ParseClusterNodes(text string) ([]Node, error) {
	var nodes []Node
	for lineNo, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return nil, fmt.Errorf("cluster nodes line %d: want at least 8 fields, got %d", lineNo+1, len(fields))
		}

		node := Node{ID: fields[0], Role: RolePrimary}

		addr := fields[1]
		if at := strings.IndexByte(addr, '@'); at >= 0 {
			addr = addr[:at]
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("cluster nodes line %d: %w", lineNo+1, err)
		}
		node.Host = host
		if node.Port, err = strconv.Atoi(portStr); err != nil {
			return nil, fmt.Errorf("cluster nodes line %d: bad port %q", lineNo+1, portStr)
		}

		for _, flag := range strings.Split(fields[2], ",") {
			switch flag {
			case "myself":
				node.Myself = true
			case "slave", "replica":
				node.Role = RoleReplica
			case "fail", "fail?":
				node.Failed = true
			}
		}

		for _, token := range fields[8:] {
			if strings.HasPrefix(token, "[") {
				continue
			}
			r, err := slots.ParseRange(token)
			if err != nil {
				return nil, fmt.Errorf("cluster nodes line %d: %w", lineNo+1, err)
			}
			node.Slots = append(node.Slots, r)
		}
		node.Slots = slots.Normalize(node.Slots)
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// OwnedRanges returns the slot ranges the endpoint behind exec owns, read
// from the "myself" line of its CLUSTER NODES.
func OwnedRanges(ctx context.Context, exec Executor) ([]slots.Range, error) {
	reply, err := exec.Execute(ctx, "CLUSTER", "NODES")
	if err != nil {
		return nil, fmt.Errorf("read owned ranges: %w", err)
	}
	nodes, err := ParseClusterNodes(reply.Text())
	if err != nil {
		return nil, fmt.Errorf("read owned ranges: %w", err)
	}
	for _, n := range nodes {
		if n.Myself {
			return n.Slots, nil
		}
	}
	return nil, fmt.Errorf("read owned ranges: no myself entry")
}

func findNode(nodes []Node, addr string) (Node, bool) {
	for _, n := range nodes {
		if n.Addr() == addr {
			return n, true
		}
	}
	return Node{}, false
}

func isClusterDisabled(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "cluster support disabled")
}
