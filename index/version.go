// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package index

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

// VersionMaintainer appends one entry per save at primaryKey ++
// versionstamp, committed through SET_VERSIONSTAMPED_KEY so the KV inlines
// the commit versionstamp. Entries under one primary key therefore form a
// strictly commit-ordered history. The entry value is the insertion wall
// time, big-endian nanoseconds.
type VersionMaintainer struct {
	def *schema.IndexDefinition
	sub subspace.Subspace

	// now is swapped by tests.
	now func() time.Time
}

var _ Maintainer = (*VersionMaintainer)(nil)

// Def implements Maintainer.
func (m *VersionMaintainer) Def() *schema.IndexDefinition { return m.def }

// Update implements Maintainer.
func (m *VersionMaintainer) Update(
	ctx context.Context, tx kv.Transaction, rt *schema.RecordType, old, new schema.Record,
) error {
	if new == nil {
		// Deleting a record retires its history; the entries would otherwise
		// dangle with no record to resolve them against.
		pk, err := primaryKey(rt, old)
		if err != nil {
			return err
		}
		begin, end := m.sub.PrefixRange(pk)
		tx.ClearRange(begin, end)
		return nil
	}
	pk, err := primaryKey(rt, new)
	if err != nil {
		return err
	}
	key, err := m.sub.PackWithVersionstamp(
		append(append(tuple.Tuple{}, pk...), tuple.IncompleteVersionstamp(0)))
	if err != nil {
		return err
	}
	nowFn := m.now
	if nowFn == nil {
		nowFn = time.Now
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(nowFn().UnixNano()))
	tx.Atomic(kv.SetVersionstampedKey, key, ts[:])
	return nil
}

// History returns the primary key's versionstamps in commit order.
func (m *VersionMaintainer) History(
	ctx context.Context, tx kv.Transaction, pk tuple.Tuple,
) ([]tuple.Versionstamp, error) {
	begin, end := m.sub.PrefixRange(pk)
	var out []tuple.Versionstamp
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(end), kv.RangeOptions{})
	defer it.Close()
	for it.Next() {
		t, err := m.sub.Unpack(it.Key())
		if err != nil {
			return nil, err
		}
		if vs, ok := t[len(t)-1].(tuple.Versionstamp); ok {
			out = append(out, vs)
		}
	}
	return out, it.Err()
}
