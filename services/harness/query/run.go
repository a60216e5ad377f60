// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"fmt"

	"github.com/AleutianAI/searchstress/pkg/resp"
	"github.com/AleutianAI/searchstress/services/harness/client"
)

// Run renders q and executes it once.
func Run(ctx context.Context, exec client.Executor, q Query) (resp.Reply, error) {
	args, err := q.Args()
	if err != nil {
		return resp.Reply{}, err
	}
	return exec.Execute(ctx, args...)
}

// Drain executes a cursored aggregate and reads pages with the cursor's
// fixed page size until the server reports cursor 0. The first element is
// the initial reply. On a read error the cursor is deleted best-effort.
func Drain(ctx context.Context, exec client.Executor, a *Aggregate) ([]AggregateResult, error) {
	if a.Cursor == nil {
		return nil, fmt.Errorf("%w: drain needs a cursored aggregate", ErrInvalidQuery)
	}
	reply, err := Run(ctx, exec, a)
	if err != nil {
		return nil, err
	}
	page, err := ParseAggregate(reply)
	if err != nil {
		return nil, err
	}
	pages := []AggregateResult{page}

	for page.Cursor != 0 {
		cursor := page.Cursor
		reply, err = exec.Execute(ctx, CursorReadArgs(a.Index, cursor, a.Cursor.Count)...)
		if err == nil {
			page, err = ParseAggregate(reply)
		}
		if err != nil {
			_, _ = exec.Execute(context.WithoutCancel(ctx), CursorDelArgs(a.Index, cursor)...)
			return pages, fmt.Errorf("read cursor %d after %d pages: %w", cursor, len(pages), err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// Concat joins drained pages into one stream. Total is taken from the
// first page.
func Concat(pages []AggregateResult) AggregateResult {
	var out AggregateResult
	for i, p := range pages {
		if i == 0 {
			out.Total = p.Total
		}
		out.Rows = append(out.Rows, p.Rows...)
		out.Warnings = append(out.Warnings, p.Warnings...)
	}
	return out
}
