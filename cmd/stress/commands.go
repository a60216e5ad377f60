// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/searchstress/pkg/logging"
	"github.com/AleutianAI/searchstress/pkg/telemetry"
	"github.com/AleutianAI/searchstress/pkg/ux"
	"github.com/AleutianAI/searchstress/services/harness/stress"
)

// DefaultConfigPath is used by init-config when --config is not given.
const DefaultConfigPath = "stress.yaml"

// runner is the part of *stress.Harness the run command drives.
type runner interface {
	Run(ctx context.Context) ([]stress.Outcome, error)
	RunID() string
	Close() error
}

type dialFunc func(ctx context.Context, cfg stress.Config, logger *slog.Logger, metrics *telemetry.Metrics) (runner, error)

func dialHarness(ctx context.Context, cfg stress.Config, logger *slog.Logger, metrics *telemetry.Metrics) (runner, error) {
	h, err := stress.Dial(ctx, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	return h, nil
}

type runOptions struct {
	config    string
	scenarios []string
	addrs     []string
	seed      uint64
	quiet     bool
	output    string
}

func newRootCmd(stdout, stderr io.Writer, dial dialFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "stress",
		Short:         "Search correctness and stress scenarios",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newRunCmd(stdout, stderr, dial), newListCmd(stdout), newInitConfigCmd(stdout))
	return root
}

func newRunCmd(stdout, stderr io.Writer, dial dialFunc) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run scenarios against a live deployment",
		Long: `Run executes the configured scenarios in order against the endpoints in
the config file (or SEARCHSTRESS_ADDRS, or --addrs) and prints one line per
scenario. A scenario the deployment cannot host, such as a migration on a
single primary, is skipped rather than failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd.Context(), cmd, opts, stdout, dial)
			if err != nil {
				fmt.Fprintf(stderr, "stress: %v\n", err)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.config, "config", "", "YAML config file (default: built-in defaults)")
	f.StringSliceVar(&opts.scenarios, "scenario", nil, "run only these scenarios (repeatable)")
	f.StringSliceVar(&opts.addrs, "addrs", nil, "override endpoints, host:port (repeatable)")
	f.Uint64Var(&opts.seed, "seed", 0, "override the document generator seed")
	f.BoolVar(&opts.quiet, "quiet", false, "disable logging to stderr")
	f.StringVar(&opts.output, "output", "", "rich, minimal or machine (default: detect terminal)")
	return cmd
}

func newListCmd(stdout io.Writer) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scenarios and disabled hybrid cases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := printer(stdout, output)
			var rows [][]string
			for _, s := range stress.Scenarios() {
				rows = append(rows, []string{s.Name, s.Description})
			}
			out.Title("Scenarios")
			out.Table([]string{"NAME", "DESCRIPTION"}, rows)

			names := make([]string, 0, len(stress.DisabledHybridCases))
			for name := range stress.DisabledHybridCases {
				names = append(names, name)
			}
			sort.Strings(names)
			out.Title("Disabled hybrid cases")
			for _, name := range names {
				out.Status(ux.IconSkipped, name+": "+stress.DisabledHybridCases[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "rich, minimal or machine (default: detect terminal)")
	return cmd
}

func newInitConfigCmd(stdout io.Writer) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config unless the file exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stress.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintln(stdout, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", DefaultConfigPath, "config file to create")
	return cmd
}

func printer(w io.Writer, output string) *ux.Printer {
	mode := ux.DetectMode(w)
	if output != "" {
		mode = ux.ParseMode(output)
	}
	return ux.NewPrinter(w, mode)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts *runOptions) (stress.Config, error) {
	cfg, err := stress.LoadConfig(opts.config)
	if err != nil {
		return stress.Config{}, err
	}
	if len(opts.addrs) > 0 {
		cfg.Addrs = opts.addrs
	}
	if len(opts.scenarios) > 0 {
		cfg.Scenarios = opts.scenarios
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = opts.seed
	}
	if err := cfg.Validate(); err != nil {
		return stress.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cobra.Command, opts *runOptions, stdout io.Writer, dial dialFunc) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "stress",
		JSON:    cfg.Log.JSON,
		Quiet:   opts.quiet,
	})
	defer log.Close()
	logger := log.Slog()
	out := printer(stdout, opts.output)

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	h, err := dial(ctx, cfg, logger, telemetry.Default())
	if err != nil {
		out.Error("cannot reach " + fmt.Sprint(cfg.Addrs))
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Warn("close harness", "error", err)
		}
	}()
	logger = logger.With("run_id", h.RunID())

	if cfg.MetricsAddr != "" {
		router := newRouter(telemetry.MetricsHandler(), h, level == logging.LevelDebug)
		stop, err := serveMetrics(cfg.MetricsAddr, router, logger)
		if err != nil {
			return fmt.Errorf("serve metrics on %s: %w", cfg.MetricsAddr, err)
		}
		defer func() {
			if err := stop(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("metrics server shutdown", "error", err)
			}
		}()
	}

	outcomes, runErr := h.Run(ctx)
	failed := printOutcomes(out, h.RunID(), outcomes)
	if runErr != nil {
		return fmt.Errorf("%d of %d scenarios failed: %w", failed, len(outcomes), runErr)
	}
	return nil
}

// printOutcomes renders one row per scenario and a closing status line.
// It returns the number of failures.
func printOutcomes(out *ux.Printer, runID string, outcomes []stress.Outcome) int {
	var passed, skipped, failed int
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		result, detail := "passed", ""
		switch {
		case o.Skipped:
			result, detail = "skipped", o.Err.Error()
			skipped++
		case o.Err != nil:
			result, detail = "failed", string(o.Kind())
			failed++
		default:
			passed++
		}
		rows = append(rows, []string{o.Name, result, o.Elapsed.Round(time.Millisecond).String(), detail})
	}

	out.Title("Run " + runID)
	out.Table([]string{"SCENARIO", "RESULT", "ELAPSED", "DETAIL"}, rows)
	msg := fmt.Sprintf("%d passed, %d skipped, %d failed", passed, skipped, failed)
	if failed > 0 {
		out.Error(msg)
	} else {
		out.Success(msg)
	}
	return failed
}
