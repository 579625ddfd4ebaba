// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/tuple"
)

// Index lifecycle. States persist at metadata/indexState/<name> and gate
// both maintenance (save-time) and queryability (plan-time):
//
//	disabled  --EnableIndex-->  writeOnly  --MakeIndexReadable-->  readable
//	    ^                           |                                  |
//	    +------- DisableIndex (also clears the index's entries) -------+

func (s *Store) indexStateKey(name string) []byte {
	return s.metadataSub.Pack(tuple.Tuple{"indexState", name})
}

// IndexState reads an index's persisted state. A missing record reads as
// disabled. States are memoized per transaction.
func (t *Txn) IndexState(ctx context.Context, name string) (schema.IndexState, error) {
	if st, ok := t.stateCache[name]; ok {
		return st, nil
	}
	if _, err := t.s.schema.Index(name); err != nil {
		return schema.StateDisabled, err
	}
	v, err := t.tx.Get(ctx, t.s.indexStateKey(name), false)
	if err != nil {
		return schema.StateDisabled, err
	}
	st := schema.StateDisabled
	if len(v) == 1 {
		st = schema.IndexState(v[0])
	}
	if t.stateCache == nil {
		t.stateCache = map[string]schema.IndexState{}
	}
	t.stateCache[name] = st
	return st, nil
}

func (t *Txn) setIndexState(name string, st schema.IndexState) {
	t.tx.Set(t.s.indexStateKey(name), []byte{byte(st)})
	if t.stateCache == nil {
		t.stateCache = map[string]schema.IndexState{}
	}
	t.stateCache[name] = st
}

// transitionIndex validates and persists a state change in t.
func (t *Txn) transitionIndex(ctx context.Context, name string, to schema.IndexState) error {
	cur, err := t.IndexState(ctx, name)
	if err != nil {
		return err
	}
	if !cur.CanTransition(to) {
		return base.SchemaErrorf("index %q: illegal state transition %s -> %s", name, cur, to)
	}
	t.setIndexState(name, to)
	return nil
}

// EnableIndex moves a disabled index to writeOnly so saves begin
// maintaining it; existing records are populated by BuildIndex.
func (s *Store) EnableIndex(ctx context.Context, name string) error {
	return s.UpdateIdempotent(ctx, func(ctx context.Context, txn *Txn) error {
		return txn.transitionIndex(ctx, name, schema.StateWriteOnly)
	})
}

// MakeIndexReadable promotes a writeOnly index; queries may use it from the
// next transaction on.
func (s *Store) MakeIndexReadable(ctx context.Context, name string) error {
	return s.UpdateIdempotent(ctx, func(ctx context.Context, txn *Txn) error {
		return txn.transitionIndex(ctx, name, schema.StateReadable)
	})
}

// DisableIndex demotes the index and clears its entries in the same
// transaction, so the state change and the clear are atomic.
func (s *Store) DisableIndex(ctx context.Context, name string) error {
	return s.UpdateIdempotent(ctx, func(ctx context.Context, txn *Txn) error {
		if err := txn.transitionIndex(ctx, name, schema.StateDisabled); err != nil {
			return err
		}
		begin, end := s.indexSub(name).Range()
		txn.tx.ClearRange(begin, end)
		return nil
	})
}

// Schema version persistence at metadata/schemaVersion.

func (s *Store) schemaVersionKey() []byte {
	return s.metadataSub.Pack(tuple.Tuple{"schemaVersion"})
}

// SchemaVersion reads the persisted schema version; ok is false for a fresh
// keyspace.
func (t *Txn) SchemaVersion(ctx context.Context) (schema.Version, bool, error) {
	v, err := t.tx.Get(ctx, t.s.schemaVersionKey(), false)
	if err != nil || v == nil {
		return schema.Version{}, false, err
	}
	tup, err := tuple.Unpack(v)
	if err != nil {
		return schema.Version{}, false, errors.Wrap(err, "decoding schema version")
	}
	ver, err := schema.VersionFromTuple(tup)
	return ver, err == nil, err
}

func (t *Txn) setSchemaVersion(v schema.Version) {
	t.tx.Set(t.s.schemaVersionKey(), v.Tuple().Pack())
}

// Former index registry at metadata/formerIndex/<name>.

func (s *Store) formerIndexKey(name string) []byte {
	return s.metadataSub.Pack(tuple.Tuple{"formerIndex", name})
}

// RecordFormerIndex persists the tombstone for a removed index.
func (t *Txn) RecordFormerIndex(f schema.FormerIndex) {
	val := append(f.AddedAtVersion.Tuple(), f.RemovedAtVersion.Tuple()...)
	t.tx.Set(t.s.formerIndexKey(f.Name), val.Pack())
}

// FormerIndexes lists the recorded tombstones.
func (t *Txn) FormerIndexes(ctx context.Context) ([]schema.FormerIndex, error) {
	begin, end := t.s.metadataSub.PrefixRange(tuple.Tuple{"formerIndex"})
	it := t.tx.GetRange(ctx, firstGE(begin), firstGE(end), rangeAll())
	defer it.Close()
	var out []schema.FormerIndex
	for it.Next() {
		keyT, err := t.s.metadataSub.Unpack(it.Key())
		if err != nil {
			return nil, err
		}
		valT, err := tuple.Unpack(it.Value())
		if err != nil || len(valT) != 6 {
			return nil, errors.Newf("malformed former index record")
		}
		added, err := schema.VersionFromTuple(valT[:3])
		if err != nil {
			return nil, err
		}
		removed, err := schema.VersionFromTuple(valT[3:])
		if err != nil {
			return nil, err
		}
		out = append(out, schema.FormerIndex{
			Name:             keyT[1].(string),
			AddedAtVersion:   added,
			RemovedAtVersion: removed,
		})
	}
	return out, it.Err()
}
