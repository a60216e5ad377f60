// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sinks publishes collector artifacts outside the local output
// directory: the files themselves to a GCS bucket and per-branch failure
// counts to InfluxDB.
package sinks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/searchstress/pkg/logging"
)

// ObjectWriter opens a writer for one object of a bucket. The object is
// committed when the writer is closed without error.
type ObjectWriter interface {
	NewWriter(ctx context.Context, object string) io.WriteCloser
}

type gcsBucket struct {
	bucket *storage.BucketHandle
}

func (b gcsBucket) NewWriter(ctx context.Context, object string) io.WriteCloser {
	w := b.bucket.Object(object).NewWriter(ctx)
	w.ContentType = contentType(object)
	w.CacheControl = "no-cache, no-store, must-revalidate"
	return w
}

func contentType(object string) string {
	switch path.Ext(object) {
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// GCSConfig configures NewGCSUploader.
type GCSConfig struct {
	Bucket string

	// Prefix is prepended to every object name, e.g. "ci/daily".
	Prefix string

	// CredentialsFile is a service-account key. Empty uses application
	// default credentials.
	CredentialsFile string

	Logger *slog.Logger
}

// Uploader copies local files into a bucket.
type Uploader struct {
	store  ObjectWriter
	bucket string
	prefix string
	logger *slog.Logger
	close  func() error
}

// NewUploader uploads through store. bucket is only used in log lines.
func NewUploader(store ObjectWriter, bucket, prefix string, logger *slog.Logger) *Uploader {
	return &Uploader{store: store, bucket: bucket, prefix: prefix, logger: logging.OrDiscard(logger), close: func() error { return nil }}
}

// NewGCSUploader connects to Cloud Storage.
func NewGCSUploader(ctx context.Context, cfg GCSConfig) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("GCS bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	u := NewUploader(gcsBucket{bucket: client.Bucket(cfg.Bucket)}, cfg.Bucket, cfg.Prefix, cfg.Logger)
	u.close = client.Close
	return u, nil
}

// Close releases the storage client.
func (u *Uploader) Close() error { return u.close() }

// UploadFile copies localPath to the object named by the prefix and the
// file's base name.
func (u *Uploader) UploadFile(ctx context.Context, localPath string) (string, error) {
	object := path.Join(u.prefix, filepath.Base(localPath))
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	defer f.Close()

	w := u.store.NewWriter(ctx, object)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to copy local file %s to object %s: %w", localPath, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer for %s: %w", object, err)
	}
	u.logger.Info("artifact uploaded", "bucket", u.bucket, "object", object)
	return object, nil
}

// UploadFiles uploads each path in order and stops at the first failure.
func (u *Uploader) UploadFiles(ctx context.Context, paths []string) ([]string, error) {
	objects := make([]string, 0, len(paths))
	for _, p := range paths {
		obj, err := u.UploadFile(ctx, p)
		if err != nil {
			return objects, err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// UploadDir uploads every regular file directly under dir.
func (u *Uploader) UploadDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return u.UploadFiles(ctx, paths)
}
