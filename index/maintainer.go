// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package index implements the write-time maintainers and query-time access
// paths for every index kind: value, count, sum, min/max, version, rank,
// spatial, and vector.
//
// A maintainer observes a record change as the pair (old, new), either of
// which may be nil: (nil, new) is an insertion, (old, nil) a deletion, and
// (old, new) an update. For a given record the set of entries a maintainer
// produces is deterministic, and all mutations for one record change commit
// in the record's own transaction. Maintainer errors are fatal to that
// transaction.
package index

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

// A Maintainer keeps one index consistent with record changes.
type Maintainer interface {
	// Def returns the maintained index's definition.
	Def() *schema.IndexDefinition

	// Update applies the index mutations for a record change. old and new,
	// when both present, carry the same primary key; the record store
	// guarantees it.
	Update(ctx context.Context, tx kv.Transaction, rt *schema.RecordType, old, new schema.Record) error
}

// An EntryLister is implemented by maintainers whose index stores one entry
// set per record (value, min, max, spatial). The scrubber uses it to
// compare stored entries against ground truth.
type EntryLister interface {
	// Entries returns the exact index entries the record produces.
	Entries(rt *schema.RecordType, r schema.Record) ([]Entry, error)
}

// An Entry is one index key-value pair.
type Entry struct {
	Key   []byte
	Value []byte
}

// A UniquenessViolation reports a unique value index constraint breach. The
// surrounding transaction must abort.
type UniquenessViolation struct {
	IndexName  string
	IndexedKey tuple.Tuple
	ExistingPK tuple.Tuple
	NewPK      tuple.Tuple
}

func (e *UniquenessViolation) Error() string {
	return fmt.Sprintf("index %q: duplicate indexed value %s (existing primary key %s, new %s)",
		e.IndexName, e.IndexedKey, e.ExistingPK, e.NewPK)
}

// NewMaintainer builds the maintainer for def, persisting under sub.
func NewMaintainer(def *schema.IndexDefinition, sub subspace.Subspace) (Maintainer, error) {
	switch def.Kind {
	case schema.IndexValue:
		return &ValueMaintainer{def: def, sub: sub}, nil
	case schema.IndexCount:
		return &CountMaintainer{def: def, sub: sub}, nil
	case schema.IndexSum:
		return &SumMaintainer{def: def, sub: sub}, nil
	case schema.IndexMin, schema.IndexMax:
		return &MinMaxMaintainer{def: def, sub: sub, max: def.Kind == schema.IndexMax}, nil
	case schema.IndexVersion:
		return &VersionMaintainer{def: def, sub: sub}, nil
	case schema.IndexRank:
		return &RankMaintainer{def: def, set: NewRankedSet(sub)}, nil
	case schema.IndexSpatial:
		return NewSpatialMaintainer(def, sub)
	case schema.IndexVector:
		return NewVectorMaintainer(def, sub)
	}
	return nil, base.SchemaErrorf("index %q: no maintainer for kind %d", def.Name, def.Kind)
}

// indexedTuple extracts the index's ordered key field values from r.
func indexedTuple(def *schema.IndexDefinition, rt *schema.RecordType, r schema.Record) (tuple.Tuple, error) {
	return rt.Extract(r, def.KeyFieldPaths...)
}

func primaryKey(rt *schema.RecordType, r schema.Record) (tuple.Tuple, error) {
	pk, err := rt.PrimaryKey(r)
	if err != nil {
		return nil, errors.Wrapf(err, "extracting primary key for %q", rt.Name())
	}
	return pk, nil
}

// int64Value coerces an extracted aggregate value. Null reads as zero.
func int64Value(def *schema.IndexDefinition, e tuple.TupleElement) (int64, error) {
	switch v := e.(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	}
	return 0, base.SchemaErrorf("index %q: aggregated field %q must extract int64, got %T",
		def.Name, def.ValuePath(), e)
}
