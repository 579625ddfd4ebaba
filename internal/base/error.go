// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package base

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Taxonomy markers. Packages mark their errors with one of these so callers
// can classify without depending on concrete types. Diagnostics preserve the
// underlying cause (including KV wire codes) through the errors chain.
var (
	// ErrSchema marks programming bugs: unknown record type, field, or index.
	ErrSchema = errors.New("schema error")
	// ErrIndexNotReadable marks queries planned against an index whose state
	// is not readable; the remedy is an online build.
	ErrIndexNotReadable = errors.New("index not readable")
	// ErrMigrationConflict marks a migration that cannot proceed: lease held,
	// no version path, or a non-additive change without a scripted migration.
	ErrMigrationConflict = errors.New("migration conflict")
	// ErrVersionMismatch marks optimistic version-index failures; the caller
	// reloads and retries.
	ErrVersionMismatch = errors.New("version mismatch")
)

// CorruptionErrorf builds an error for on-disk state that violates a layer
// invariant. Arguments are redacted unless wrapped in errors.Safe.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Newf("recordlayer: corruption: %s", redact.Sprintf(format, args...))
}

// SchemaErrorf builds an ErrSchema-marked error.
func SchemaErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrSchema)
}
