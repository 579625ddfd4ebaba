// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/fnv"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

// A RankedSet is a persistent deterministic skip-list over byte keys. Each
// level stores nodes as (level, key) -> span count, where a node's span is
// the element count in [key, nextNodeAtLevel). Level 0 holds every element
// with count 1; each higher level keeps roughly 1/16 of the level below,
// membership derived from a hash of the key so that rebuilding the set
// reproduces the identical structure. Rank queries cost O(log n) by walking
// spans top-down.
type RankedSet struct {
	sub subspace.Subspace
}

const (
	rankedMaxLevels = 6
	rankedFanPow    = 4
)

// NewRankedSet returns the ranked set persisted under sub.
func NewRankedSet(sub subspace.Subspace) RankedSet {
	return RankedSet{sub: sub}
}

func (rs RankedSet) nodeKey(level int, key []byte) []byte {
	return rs.sub.Pack(tuple.Tuple{int64(level), key})
}

func levelHash(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// inLevel reports whether key is a node at level.
func inLevel(key []byte, level int) bool {
	if level == 0 {
		return true
	}
	return levelHash(key)&((1<<(rankedFanPow*level))-1) == 0
}

func encodeCount(v int64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(v))
	return out
}

func decodeCount(v []byte) int64 {
	var b [8]byte
	copy(b[:], v)
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// ensureRoots lazily creates the per-level root nodes (empty key, count 0).
func (rs RankedSet) ensureRoots(ctx context.Context, tx kv.Transaction) error {
	for level := 0; level < rankedMaxLevels; level++ {
		k := rs.nodeKey(level, nil)
		v, err := tx.Get(ctx, k, false)
		if err != nil {
			return err
		}
		if v == nil {
			tx.Set(k, encodeCount(0))
		}
	}
	return nil
}

// Contains reports whether key is in the set.
func (rs RankedSet) Contains(ctx context.Context, tx kv.Transaction, key []byte) (bool, error) {
	if len(key) == 0 {
		return false, errors.AssertionFailedf("rankedset: empty key")
	}
	v, err := tx.Get(ctx, rs.nodeKey(0, key), false)
	return v != nil, err
}

// Insert adds key; inserting a present key is a no-op.
func (rs RankedSet) Insert(ctx context.Context, tx kv.Transaction, key []byte) error {
	if len(key) == 0 {
		return errors.AssertionFailedf("rankedset: empty key")
	}
	if err := rs.ensureRoots(ctx, tx); err != nil {
		return err
	}
	if present, err := rs.Contains(ctx, tx, key); err != nil || present {
		return err
	}
	for level := 0; level < rankedMaxLevels; level++ {
		if !inLevel(key, level) {
			// The new element lands inside the previous node's span.
			prev, _, err := rs.previousNode(ctx, tx, level, key)
			if err != nil {
				return err
			}
			tx.Atomic(kv.Add, rs.nodeKey(level, prev), encodeCount(1))
			continue
		}
		if level == 0 {
			tx.Set(rs.nodeKey(0, key), encodeCount(1))
			continue
		}
		// Split the previous node's span around the new node. Lower levels
		// are already updated, so counting at level-1 includes the new
		// element's own unit.
		prev, prevCount, err := rs.previousNode(ctx, tx, level, key)
		if err != nil {
			return err
		}
		left, err := rs.countLevelRange(ctx, tx, level-1, prev, key)
		if err != nil {
			return err
		}
		tx.Set(rs.nodeKey(level, prev), encodeCount(left))
		tx.Set(rs.nodeKey(level, key), encodeCount(prevCount+1-left))
	}
	return nil
}

// Erase removes key; erasing an absent key is a no-op.
func (rs RankedSet) Erase(ctx context.Context, tx kv.Transaction, key []byte) error {
	if present, err := rs.Contains(ctx, tx, key); err != nil || !present {
		return err
	}
	for level := 0; level < rankedMaxLevels; level++ {
		if !inLevel(key, level) {
			prev, _, err := rs.previousNode(ctx, tx, level, key)
			if err != nil {
				return err
			}
			tx.Atomic(kv.Add, rs.nodeKey(level, prev), encodeCount(-1))
			continue
		}
		// The node's remaining span merges back into its predecessor.
		own, err := tx.Get(ctx, rs.nodeKey(level, key), false)
		if err != nil {
			return err
		}
		tx.Clear(rs.nodeKey(level, key))
		if level > 0 {
			prev, _, err := rs.previousNode(ctx, tx, level, key)
			if err != nil {
				return err
			}
			tx.Atomic(kv.Add, rs.nodeKey(level, prev), encodeCount(decodeCount(own)-1))
		}
	}
	return nil
}

// Rank returns the number of elements strictly less than key. O(log n).
func (rs RankedSet) Rank(ctx context.Context, tx kv.Transaction, key []byte) (int64, error) {
	if err := rs.ensureRoots(ctx, tx); err != nil {
		return 0, err
	}
	var rank int64
	var cur []byte
	for level := rankedMaxLevels - 1; level >= 0; level-- {
		for {
			next, _, ok, err := rs.successorNode(ctx, tx, level, cur)
			if err != nil {
				return 0, err
			}
			if !ok || bytes.Compare(next, key) > 0 {
				break
			}
			// Advancing past cur means cur's whole span precedes key.
			count, err := rs.nodeCount(ctx, tx, level, cur)
			if err != nil {
				return 0, err
			}
			rank += count
			cur = next
		}
	}
	// At level 0 spans are single elements; cur is the last node <= key.
	if len(cur) > 0 && bytes.Compare(cur, key) < 0 {
		rank++
	}
	return rank, nil
}

// Size returns the element count.
func (rs RankedSet) Size(ctx context.Context, tx kv.Transaction) (int64, error) {
	top := rankedMaxLevels - 1
	begin := rs.nodeKey(top, nil)
	_, end := rs.sub.PrefixRange(tuple.Tuple{int64(top)})
	var total int64
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(end), kv.RangeOptions{})
	defer it.Close()
	for it.Next() {
		total += decodeCount(it.Value())
	}
	return total, it.Err()
}

func (rs RankedSet) nodeCount(ctx context.Context, tx kv.Transaction, level int, key []byte) (int64, error) {
	v, err := tx.Get(ctx, rs.nodeKey(level, key), false)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, errors.AssertionFailedf("rankedset: missing node at level %d", level)
	}
	return decodeCount(v), nil
}

// previousNode returns the last node strictly before key at level. The root
// node guarantees one exists.
func (rs RankedSet) previousNode(
	ctx context.Context, tx kv.Transaction, level int, key []byte,
) ([]byte, int64, error) {
	begin := rs.nodeKey(level, nil)
	end := rs.nodeKey(level, key)
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(end),
		kv.RangeOptions{Limit: 1, Reverse: true})
	defer it.Close()
	if !it.Next() {
		if err := it.Err(); err != nil {
			return nil, 0, err
		}
		return nil, 0, errors.AssertionFailedf("rankedset: no predecessor at level %d", level)
	}
	nodeKey, err := rs.decodeNodeKey(it.Key(), level)
	if err != nil {
		return nil, 0, err
	}
	return nodeKey, decodeCount(it.Value()), nil
}

// successorNode returns the first node strictly after key at level.
func (rs RankedSet) successorNode(
	ctx context.Context, tx kv.Transaction, level int, key []byte,
) ([]byte, int64, bool, error) {
	begin := rs.nodeKey(level, key)
	_, end := rs.sub.PrefixRange(tuple.Tuple{int64(level)})
	it := tx.GetRange(ctx, kv.FirstGreaterThan(begin), kv.FirstGreaterOrEqual(end),
		kv.RangeOptions{Limit: 1})
	defer it.Close()
	if !it.Next() {
		return nil, 0, false, it.Err()
	}
	nodeKey, err := rs.decodeNodeKey(it.Key(), level)
	if err != nil {
		return nil, 0, false, err
	}
	return nodeKey, decodeCount(it.Value()), true, nil
}

func (rs RankedSet) decodeNodeKey(raw []byte, level int) ([]byte, error) {
	t, err := rs.sub.Unpack(raw)
	if err != nil {
		return nil, err
	}
	if len(t) != 2 || t[0] != int64(level) {
		return nil, errors.AssertionFailedf("rankedset: malformed node key %x", raw)
	}
	k, ok := t[1].([]byte)
	if !ok {
		return nil, errors.AssertionFailedf("rankedset: malformed node key %x", raw)
	}
	return k, nil
}

// countLevelRange sums span counts of nodes in [begin, end) at level.
func (rs RankedSet) countLevelRange(
	ctx context.Context, tx kv.Transaction, level int, begin, end []byte,
) (int64, error) {
	var total int64
	it := tx.GetRange(ctx,
		kv.FirstGreaterOrEqual(rs.nodeKey(level, begin)),
		kv.FirstGreaterOrEqual(rs.nodeKey(level, end)),
		kv.RangeOptions{})
	defer it.Close()
	for it.Next() {
		total += decodeCount(it.Value())
	}
	return total, it.Err()
}

// RankMaintainer indexes records into a RankedSet keyed by the scored tuple
// with the primary key appended, giving O(log n) rank lookups over the
// indexed ordering.
type RankMaintainer struct {
	def *schema.IndexDefinition
	set RankedSet
}

var _ Maintainer = (*RankMaintainer)(nil)

// Def implements Maintainer.
func (m *RankMaintainer) Def() *schema.IndexDefinition { return m.def }

func (m *RankMaintainer) setKey(rt *schema.RecordType, r schema.Record) ([]byte, error) {
	indexed, err := indexedTuple(m.def, rt, r)
	if err != nil {
		return nil, err
	}
	pk, err := primaryKey(rt, r)
	if err != nil {
		return nil, err
	}
	return append(append(tuple.Tuple{}, indexed...), pk...).Pack(), nil
}

// Update implements Maintainer.
func (m *RankMaintainer) Update(
	ctx context.Context, tx kv.Transaction, rt *schema.RecordType, old, new schema.Record,
) error {
	var oldKey, newKey []byte
	var err error
	if old != nil {
		if oldKey, err = m.setKey(rt, old); err != nil {
			return err
		}
	}
	if new != nil {
		if newKey, err = m.setKey(rt, new); err != nil {
			return err
		}
	}
	if oldKey != nil && newKey != nil && bytes.Equal(oldKey, newKey) {
		return nil
	}
	if oldKey != nil {
		if err := m.set.Erase(ctx, tx, oldKey); err != nil {
			return err
		}
	}
	if newKey != nil {
		return m.set.Insert(ctx, tx, newKey)
	}
	return nil
}

// Rank returns the number of indexed entries whose scored tuple sorts
// strictly below scored. Entries sharing the scored tuple but differing in
// primary key all sort above the bare scored prefix.
func (m *RankMaintainer) Rank(ctx context.Context, tx kv.Transaction, scored tuple.Tuple) (int64, error) {
	return m.set.Rank(ctx, tx, scored.Pack())
}

// Size returns the number of indexed entries.
func (m *RankMaintainer) Size(ctx context.Context, tx kv.Transaction) (int64, error) {
	return m.set.Size(ctx, tx)
}
