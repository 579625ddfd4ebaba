// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package index

import (
	"context"
	"encoding/binary"

	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

// CountMaintainer maintains one little-endian counter per grouping tuple,
// updated with conflict-free ADD mutations so concurrent writers never
// contend.
type CountMaintainer struct {
	def *schema.IndexDefinition
	sub subspace.Subspace
}

var _ Maintainer = (*CountMaintainer)(nil)

// Def implements Maintainer.
func (m *CountMaintainer) Def() *schema.IndexDefinition { return m.def }

// Update implements Maintainer.
func (m *CountMaintainer) Update(
	ctx context.Context, tx kv.Transaction, rt *schema.RecordType, old, new schema.Record,
) error {
	oldG, newG, err := groupingTuples(m.def, rt, old, new)
	if err != nil {
		return err
	}
	if old != nil && new != nil && tuple.Equal(oldG, newG) {
		return nil
	}
	if old != nil {
		tx.Atomic(kv.Add, m.sub.Pack(oldG), encodeDelta(-1))
	}
	if new != nil {
		tx.Atomic(kv.Add, m.sub.Pack(newG), encodeDelta(1))
	}
	return nil
}

// Read returns the count for a grouping tuple.
func (m *CountMaintainer) Read(ctx context.Context, tx kv.Transaction, group tuple.Tuple) (int64, error) {
	return readCounter(ctx, tx, m.sub.Pack(group))
}

// SumMaintainer maintains one little-endian sum per grouping tuple. The
// aggregated field is the last key path; the preceding paths group.
type SumMaintainer struct {
	def *schema.IndexDefinition
	sub subspace.Subspace
}

var _ Maintainer = (*SumMaintainer)(nil)

// Def implements Maintainer.
func (m *SumMaintainer) Def() *schema.IndexDefinition { return m.def }

// Update implements Maintainer.
func (m *SumMaintainer) Update(
	ctx context.Context, tx kv.Transaction, rt *schema.RecordType, old, new schema.Record,
) error {
	if old != nil {
		g, v, err := m.groupAndValue(rt, old)
		if err != nil {
			return err
		}
		if v != 0 {
			tx.Atomic(kv.Add, m.sub.Pack(g), encodeDelta(-v))
		}
	}
	if new != nil {
		g, v, err := m.groupAndValue(rt, new)
		if err != nil {
			return err
		}
		if v != 0 {
			tx.Atomic(kv.Add, m.sub.Pack(g), encodeDelta(v))
		}
	}
	return nil
}

func (m *SumMaintainer) groupAndValue(rt *schema.RecordType, r schema.Record) (tuple.Tuple, int64, error) {
	g, err := rt.Extract(r, m.def.GroupingPaths()...)
	if err != nil {
		return nil, 0, err
	}
	vals, err := rt.Extract(r, m.def.ValuePath())
	if err != nil {
		return nil, 0, err
	}
	v, err := int64Value(m.def, vals[0])
	if err != nil {
		return nil, 0, err
	}
	return g, v, nil
}

// Read returns the sum for a grouping tuple.
func (m *SumMaintainer) Read(ctx context.Context, tx kv.Transaction, group tuple.Tuple) (int64, error) {
	return readCounter(ctx, tx, m.sub.Pack(group))
}

func groupingTuples(
	def *schema.IndexDefinition, rt *schema.RecordType, old, new schema.Record,
) (oldG, newG tuple.Tuple, err error) {
	if old != nil {
		if oldG, err = rt.Extract(old, def.GroupingPaths()...); err != nil {
			return nil, nil, err
		}
	}
	if new != nil {
		if newG, err = rt.Extract(new, def.GroupingPaths()...); err != nil {
			return nil, nil, err
		}
	}
	return oldG, newG, nil
}

// encodeDelta encodes a two's-complement little-endian ADD operand.
func encodeDelta(v int64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(v))
	return out
}

func readCounter(ctx context.Context, tx kv.Transaction, key []byte) (int64, error) {
	v, err := tx.Get(ctx, key, false)
	if err != nil || v == nil {
		return 0, err
	}
	var b [8]byte
	copy(b[:], v)
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}
