// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package index

import (
	"bytes"
	"context"

	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

// MinMaxMaintainer stores one entry per record at grouping ++ value ++
// primaryKey with an empty value. Because entries sort by value within a
// grouping, the aggregate is a single boundary lookup: the first entry of the
// grouping's range for min, the last for max.
type MinMaxMaintainer struct {
	def *schema.IndexDefinition
	sub subspace.Subspace
	max bool
}

var _ Maintainer = (*MinMaxMaintainer)(nil)
var _ EntryLister = (*MinMaxMaintainer)(nil)

// Def implements Maintainer.
func (m *MinMaxMaintainer) Def() *schema.IndexDefinition { return m.def }

// Entries implements EntryLister.
func (m *MinMaxMaintainer) Entries(rt *schema.RecordType, r schema.Record) ([]Entry, error) {
	key, err := m.entryKey(rt, r)
	if err != nil {
		return nil, err
	}
	return []Entry{{Key: key}}, nil
}

func (m *MinMaxMaintainer) entryKey(rt *schema.RecordType, r schema.Record) ([]byte, error) {
	indexed, err := indexedTuple(m.def, rt, r)
	if err != nil {
		return nil, err
	}
	pk, err := primaryKey(rt, r)
	if err != nil {
		return nil, err
	}
	return m.sub.Pack(append(append(tuple.Tuple{}, indexed...), pk...)), nil
}

// Update implements Maintainer.
func (m *MinMaxMaintainer) Update(
	ctx context.Context, tx kv.Transaction, rt *schema.RecordType, old, new schema.Record,
) error {
	var oldKey, newKey []byte
	var err error
	if old != nil {
		if oldKey, err = m.entryKey(rt, old); err != nil {
			return err
		}
	}
	if new != nil {
		if newKey, err = m.entryKey(rt, new); err != nil {
			return err
		}
	}
	if oldKey != nil && newKey != nil && bytes.Equal(oldKey, newKey) {
		return nil
	}
	if oldKey != nil {
		tx.Clear(oldKey)
	}
	if newKey != nil {
		tx.Set(newKey, nil)
	}
	return nil
}

// Read returns the aggregate for a grouping tuple as the aggregated field's
// tuple element, or ok=false when the grouping holds no records. A single
// boundary read regardless of group size.
func (m *MinMaxMaintainer) Read(
	ctx context.Context, tx kv.Transaction, group tuple.Tuple,
) (tuple.TupleElement, bool, error) {
	begin, end := m.sub.PrefixRange(group)
	it := tx.GetRange(ctx,
		kv.FirstGreaterOrEqual(begin),
		kv.FirstGreaterOrEqual(end),
		kv.RangeOptions{Limit: 1, Reverse: m.max})
	defer it.Close()
	if !it.Next() {
		return nil, false, it.Err()
	}
	t, err := m.sub.Unpack(it.Key())
	if err != nil {
		return nil, false, err
	}
	return t[len(group)], true, nil
}
