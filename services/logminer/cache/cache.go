// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache keeps downloaded CI logs in an embedded BadgerDB so that
// re-running the collector for the same day does not download them again.
//
// Job logs are immutable once a job finishes, so entries only expire by
// TTL. Run archives are large and are not cached.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DefaultTTL keeps logs for two weeks.
const DefaultTTL = 14 * 24 * time.Hour

const keyPrefix = "joblog/"

// Config configures a Cache.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM; for tests.
	InMemory bool

	// TTL bounds entry lifetime. Default: DefaultTTL.
	TTL time.Duration

	// GCInterval runs value-log GC periodically. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	// Default: 0.5.
	GCDiscardRatio float64

	// Logger receives BadgerDB's own messages. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns an on-disk config at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, TTL: DefaultTTL, GCInterval: 10 * time.Minute, GCDiscardRatio: 0.5}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Cache maps job ids to log text.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Open opens or creates the cache.
//
// # Outputs
//
//   - *Cache: call Close when done.
//   - error: missing Path, or BadgerDB failed to open (for example
//     because another process holds the directory lock).
func Open(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("cache path is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio >= 1 {
		cfg.GCDiscardRatio = 0.5
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open log cache: %w", err)
	}
	c := &Cache{db: db, ttl: cfg.TTL, logger: cfg.Logger, stop: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		c.wg.Add(1)
		go c.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return c, nil
}

func key(jobID int64) []byte {
	return []byte(keyPrefix + strconv.FormatInt(jobID, 10))
}

// Get returns the cached log of jobID. ok is false on a miss.
func (c *Cache) Get(ctx context.Context, jobID int64) (log string, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(jobID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			log = string(v)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cached log %d: %w", jobID, err)
	}
	return log, true, nil
}

// Put stores log for jobID with the configured TTL.
func (c *Cache) Put(ctx context.Context, jobID int64, log string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key(jobID), []byte(log)).WithTTL(c.ttl))
	})
	if err != nil {
		return fmt.Errorf("cache log %d: %w", jobID, err)
	}
	return nil
}

// Len counts live entries.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (c *Cache) runGC(interval time.Duration, ratio float64) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			err := c.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && c.logger != nil {
				c.logger.Warn("log cache GC failed", "error", err)
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call more than once.
func (c *Cache) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		err = c.db.Close()
	})
	return err
}
