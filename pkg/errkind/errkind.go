// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package errkind classifies harness and collector failures.
//
// Every error that crosses a component boundary carries exactly one kind
// mark. The mark survives wrapping with fmt.Errorf("%w") and
// errors.Wrap, so callers test it with Is:
//
//	if errkind.Is(err, errkind.OracleMismatch) { ... }
//
// Kinds follow the harness taxonomy: Transport, ServerRefused,
// OracleMismatch, MigrationFailed, Timeout and LogMinerExternal.
package errkind

import (
	"github.com/cockroachdb/errors"
)

// Sentinel kinds. Use Mark to tag an error and errors.Is to test it.
var (
	// Transport covers connection refused, I/O timeouts and framing errors.
	Transport = errors.New("transport")

	// ServerRefused covers command-error replies from the server.
	ServerRefused = errors.New("server refused")

	// OracleMismatch covers divergent replies, duplicate keys and
	// divergent hybrid score order.
	OracleMismatch = errors.New("oracle mismatch")

	// MigrationFailed covers a failed migration task or running out of
	// slot ranges to import.
	MigrationFailed = errors.New("migration failed")

	// Timeout covers bounded waits that expired (migration, drain, cursor).
	Timeout = errors.New("timeout")

	// LogMinerExternal covers REST failures, corrupt archives and missing
	// artifacts in the log miner.
	LogMinerExternal = errors.New("log miner external")
)

// Kind names a taxonomy entry for metric labels and exit codes.
type Kind string

const (
	KindNone             Kind = ""
	KindTransport        Kind = "transport"
	KindServerRefused    Kind = "server_refused"
	KindOracleMismatch   Kind = "oracle_mismatch"
	KindMigrationFailed  Kind = "migration_failed"
	KindTimeout          Kind = "timeout"
	KindLogMinerExternal Kind = "log_miner_external"
	KindOther            Kind = "other"
)

var ordered = []struct {
	sentinel error
	kind     Kind
}{
	// Order matters: an oracle mismatch that wraps a server error is
	// still reported as a mismatch.
	{OracleMismatch, KindOracleMismatch},
	{MigrationFailed, KindMigrationFailed},
	{Timeout, KindTimeout},
	{LogMinerExternal, KindLogMinerExternal},
	{ServerRefused, KindServerRefused},
	{Transport, KindTransport},
}

// Mark tags err with the given sentinel kind. A nil err stays nil.
func Mark(err error, kind error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, kind)
}

// Newf creates a new error already marked with kind.
func Newf(kind error, format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), kind)
}

// Wrapf wraps err with a message and marks the result with kind.
func Wrapf(err error, kind error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), kind)
}

// Is reports whether err carries the given kind mark. Use it instead of the
// standard library's errors.Is, which does not see marks.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Of returns the kind carried by err, KindNone for nil and KindOther for
// unmarked errors.
func Of(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, entry := range ordered {
		if errors.Is(err, entry.sentinel) {
			return entry.kind
		}
	}
	return KindOther
}
