// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/searchstress/pkg/telemetry"
	"github.com/AleutianAI/searchstress/services/harness/memory"
	"github.com/AleutianAI/searchstress/services/harness/migration"
)

// EnvAddrs overrides Config.Addrs with a comma-separated endpoint list.
const EnvAddrs = "SEARCHSTRESS_ADDRS"

var configValidate = validator.New()

// MigrationConfig tunes the migration controller.
type MigrationConfig struct {
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=0,lte=10"`

	// AbortOnTimeout sends SIGABRT to every server process when a
	// migration times out, leaving core dumps for the post-mortem.
	AbortOnTimeout bool `yaml:"abort_on_timeout"`
}

// PerturbConfig tunes the background update workers.
type PerturbConfig struct {
	Workers   int     `yaml:"workers" validate:"gte=0,lte=64"`
	Rate      float64 `yaml:"rate" validate:"gte=0"`
	GCEvery   int     `yaml:"gc_every" validate:"gte=0"`
	IgnoreOOM bool    `yaml:"ignore_oom"`
}

// MemoryConfig tunes the memory throttle.
type MemoryConfig struct {
	// Fraction is used/limit after tightening.
	Fraction float64 `yaml:"fraction" validate:"gt=0,lte=1"`
	Policy   string  `yaml:"policy" validate:"oneof=return fail"`
}

// LogConfig selects logger destinations.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// Config is the stress suite configuration file.
//
// Durations are written as Go duration strings ("10s", "200ms").
type Config struct {
	Addrs          []string      `yaml:"addrs" validate:"required,min=1,dive,hostname_port"`
	Protocol       int           `yaml:"protocol" validate:"oneof=2 3"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gte=0"`

	Seed      uint64 `yaml:"seed"`
	Documents int    `yaml:"documents" validate:"gte=1500"`
	VectorDim int    `yaml:"vector_dim" validate:"gte=1,lte=4096"`
	BatchSize int    `yaml:"batch_size" validate:"gte=1"`
	Dialect   int    `yaml:"dialect" validate:"oneof=2 3 4 5"`

	// IndexTimeout bounds waiting for an initial scan to finish.
	IndexTimeout time.Duration `yaml:"index_timeout" validate:"gte=0"`

	ScoreTolerance float64 `yaml:"score_tolerance" validate:"gte=0"`

	// Scenarios selects what Run executes; empty runs every scenario.
	Scenarios []string `yaml:"scenarios"`

	Migration MigrationConfig  `yaml:"migration"`
	Perturb   PerturbConfig    `yaml:"perturb"`
	Memory    MemoryConfig     `yaml:"memory"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       LogConfig        `yaml:"log"`

	// MetricsAddr is where cmd/stress serves /metrics; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns a config for a local three-primary cluster.
func DefaultConfig() Config {
	return Config{
		Addrs:          []string{"127.0.0.1:6379"},
		Protocol:       3,
		CommandTimeout: 10 * time.Second,
		Seed:           1,
		Documents:      81920,
		VectorDim:      10,
		BatchSize:      1000,
		Dialect:        2,
		IndexTimeout:   60 * time.Second,
		Migration: MigrationConfig{
			Timeout:      migration.DefaultTimeout,
			PollInterval: migration.DefaultPollInterval,
			MaxAttempts:  migration.DefaultMaxAttempts,
		},
		Perturb: PerturbConfig{
			Workers: 4,
			Rate:    500,
			GCEvery: 100,
		},
		Memory: MemoryConfig{
			Fraction: 1,
			Policy:   memory.PolicyReturn,
		},
		Telemetry: telemetry.DefaultConfig(),
		Log:       LogConfig{Level: "info"},
	}
}

// Validate checks struct tags and scenario names.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid stress config: %w", err)
	}
	var unknown []string
	for _, name := range c.Scenarios {
		if _, ok := Lookup(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("invalid stress config: unknown scenarios %s", strings.Join(unknown, ", "))
	}
	return nil
}

// LoadConfig reads path over DefaultConfig, applies EnvAddrs, and
// validates. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	raw := strings.TrimSpace(os.Getenv(EnvAddrs))
	if raw == "" {
		return
	}
	var addrs []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	c.Addrs = addrs
}

// WriteDefault writes DefaultConfig to path unless the file exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
