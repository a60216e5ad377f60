// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command stress runs the search correctness and stress scenarios against
// a live deployment.
//
// Usage:
//
//	stress init-config --config stress.yaml
//	stress list
//	stress run --config stress.yaml --scenario bm25_ranking --addrs 127.0.0.1:7000
//
// While running, Prometheus metrics are served on metrics_addr when set.
// Exit status is 1 when any scenario fails.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr, dialHarness).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
