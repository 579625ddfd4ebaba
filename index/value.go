// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package index

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

// ValueMaintainer maintains a value index: one entry per record at
// sub.Pack(indexedValues ++ primaryKey) with an empty value. The primary key
// suffix makes entries with equal indexed values deterministically ordered
// and uniquely addressable.
type ValueMaintainer struct {
	def *schema.IndexDefinition
	sub subspace.Subspace
}

var _ Maintainer = (*ValueMaintainer)(nil)
var _ EntryLister = (*ValueMaintainer)(nil)

// Def implements Maintainer.
func (m *ValueMaintainer) Def() *schema.IndexDefinition { return m.def }

// Entries implements EntryLister.
func (m *ValueMaintainer) Entries(rt *schema.RecordType, r schema.Record) ([]Entry, error) {
	key, _, _, err := m.entryKey(rt, r)
	if err != nil {
		return nil, err
	}
	return []Entry{{Key: key}}, nil
}

func (m *ValueMaintainer) entryKey(rt *schema.RecordType, r schema.Record) (key []byte, indexed, pk tuple.Tuple, err error) {
	indexed, err = indexedTuple(m.def, rt, r)
	if err != nil {
		return nil, nil, nil, err
	}
	pk, err = primaryKey(rt, r)
	if err != nil {
		return nil, nil, nil, err
	}
	return m.sub.Pack(append(append(tuple.Tuple{}, indexed...), pk...)), indexed, pk, nil
}

// Update implements Maintainer.
func (m *ValueMaintainer) Update(
	ctx context.Context, tx kv.Transaction, rt *schema.RecordType, old, new schema.Record,
) error {
	var oldKey, newKey []byte
	if old != nil {
		k, _, _, err := m.entryKey(rt, old)
		if err != nil {
			return err
		}
		oldKey = k
	}
	if new != nil {
		k, indexed, pk, err := m.entryKey(rt, new)
		if err != nil {
			return err
		}
		newKey = k
		if m.def.Unique {
			if err := m.checkUnique(ctx, tx, indexed, pk); err != nil {
				return err
			}
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

// checkUnique asserts no other primary key already holds the indexed prefix.
// Reads through the transaction, so a violation created earlier in the same
// transaction is caught too.
func (m *ValueMaintainer) checkUnique(
	ctx context.Context, tx kv.Transaction, indexed, pk tuple.Tuple,
) error {
	begin, end := m.sub.PrefixRange(indexed)
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(end), kv.RangeOptions{Limit: 2})
	defer it.Close()
	prefix := m.sub.Pack(indexed)
	for it.Next() {
		rest, err := tuple.Unpack(it.Key()[len(prefix):])
		if err != nil {
			return errors.Wrapf(err, "decoding entry of unique index %q", m.def.Name)
		}
		if !tuple.Equal(rest, pk) {
			return errors.WithStack(&UniquenessViolation{
				IndexName:  m.def.Name,
				IndexedKey: indexed,
				ExistingPK: rest,
				NewPK:      pk,
			})
		}
	}
	return it.Err()
}

// ScanRange returns the key range covering entries whose leading indexed
// columns equal prefix; the query executor scans it directly.
func (m *ValueMaintainer) ScanRange(prefix tuple.Tuple) (begin, end []byte) {
	return m.sub.PrefixRange(prefix)
}

// DecodeEntry splits an entry key into indexed values and primary key given
// the number of indexed columns.
func (m *ValueMaintainer) DecodeEntry(key []byte, columns int) (indexed, pk tuple.Tuple, err error) {
	t, err := m.sub.Unpack(key)
	if err != nil {
		return nil, nil, err
	}
	if len(t) < columns {
		return nil, nil, errors.AssertionFailedf("index %q: entry %x shorter than %d columns",
			errors.Safe(m.def.Name), key, columns)
	}
	return t[:columns], t[columns:], nil
}
