// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clienttest provides a scriptable in-memory client.Executor.
//
//	fake := clienttest.New().
//	    Reply("INFO memory", resp.Bulk("used_memory:1000\r\n")).
//	    Fail("FT.SEARCH", "Unknown index name")
//
// Handlers match on a case-insensitive word prefix of the command; the
// longest matching prefix wins. Unmatched commands reply "OK".
package clienttest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/searchstress/pkg/errkind"
	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/services/harness/client"
)

// Handler produces the reply for one command. args are stringified.
type Handler func(args []string) (resp.Reply, error)

type route struct {
	prefix  []string
	handler Handler
}

// Fake is a scriptable executor that records every command.
//
// # Thread Safety
//
// Safe for concurrent use. Handlers run under the fake's lock, so they may
// keep state without extra synchronization.
type Fake struct {
	// Name identifies the fake in ServerError.Addr.
	Name string

	mu     sync.Mutex
	routes []route
	calls  [][]string
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{Name: "fake"}
}

// On installs h for commands starting with prefix (space-separated words).
func (f *Fake) On(prefix string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	words := strings.Fields(strings.ToUpper(prefix))
	// Replace an existing route with the same prefix.
	for i, r := range f.routes {
		if equalWords(r.prefix, words) {
			f.routes[i].handler = h
			return f
		}
	}
	f.routes = append(f.routes, route{prefix: words, handler: h})
	sort.SliceStable(f.routes, func(i, j int) bool {
		return len(f.routes[i].prefix) > len(f.routes[j].prefix)
	})
	return f
}

// Reply installs a fixed reply for prefix.
func (f *Fake) Reply(prefix string, reply resp.Reply) *Fake {
	return f.On(prefix, func([]string) (resp.Reply, error) { return reply, nil })
}

// Fail installs a server error reply for prefix.
func (f *Fake) Fail(prefix, message string) *Fake {
	return f.On(prefix, func(args []string) (resp.Reply, error) {
		return resp.Reply{}, f.ServerError(args, message)
	})
}

// Sequence replies with each entry in turn, repeating the last one.
func (f *Fake) Sequence(prefix string, replies ...resp.Reply) *Fake {
	i := 0
	return f.On(prefix, func([]string) (resp.Reply, error) {
		r := replies[min(i, len(replies)-1)]
		i++
		return r, nil
	})
}

// ServerError builds an error the way client.Conn reports a server error.
func (f *Fake) ServerError(args []string, message string) error {
	command := ""
	if len(args) > 0 {
		command = strings.ToUpper(args[0])
	}
	return errkind.Mark(&client.ServerError{Addr: f.Name, Command: command, Message: message}, errkind.ServerRefused)
}

// Execute dispatches to the matching handler.
func (f *Fake) Execute(_ context.Context, args ...any) (resp.Reply, error) {
	strs := stringify(args)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strs)
	for _, r := range f.routes {
		if hasPrefix(strs, r.prefix) {
			return r.handler(strs)
		}
	}
	return resp.Bulk("OK"), nil
}

// ExecutePipelined runs each command through Execute.
func (f *Fake) ExecutePipelined(ctx context.Context, cmds [][]any) ([]resp.Reply, error) {
	replies := make([]resp.Reply, len(cmds))
	var firstErr error
	for i, args := range cmds {
		r, err := f.Execute(ctx, args...)
		if err != nil {
			if errkind.Is(err, errkind.Transport) {
				return nil, err
			}
			msg, _ := client.ServerMessage(err)
			replies[i] = resp.Error(msg)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		replies[i] = r
	}
	return replies, firstErr
}

// Calls returns every recorded command.
func (f *Fake) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsMatching returns recorded commands starting with prefix.
func (f *Fake) CallsMatching(prefix string) [][]string {
	words := strings.Fields(strings.ToUpper(prefix))
	var out [][]string
	for _, c := range f.Calls() {
		if hasPrefix(c, words) {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls; routes stay.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func stringify(args []any) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			out[i] = v
		case []byte:
			out[i] = string(v)
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

func hasPrefix(args, prefix []string) bool {
	if len(args) < len(prefix) {
		return false
	}
	for i, w := range prefix {
		if !strings.EqualFold(args[i], w) {
			return false
		}
	}
	return true
}

func equalWords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Executors wraps fakes as a client.Target.
func Executors(fakes ...*Fake) client.Executors {
	out := make(client.Executors, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}
