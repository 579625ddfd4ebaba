// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package rangeset persists a union of disjoint byte-key intervals
// [begin, end), used to record completed work ranges for resumable online
// operations.
//
// Each stored interval is one entry: subspace.Pack((begin)) -> end. Intervals
// are kept disjoint and sorted; Insert merges with touching or overlapping
// neighbors. Insert is idempotent and commutes, so retried or concurrent
// inserts converge to the same union under the KV's conflict detection.
package rangeset

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

// A RangeSet is a view over the intervals stored under one subspace. The
// struct holds no state beyond the subspace; all operations read and write
// through the supplied transaction.
type RangeSet struct {
	sub subspace.Subspace
}

// New returns the range set persisted under sub.
func New(sub subspace.Subspace) RangeSet {
	return RangeSet{sub: sub}
}

// A Range is a half-open byte-key interval.
type Range struct {
	Begin, End []byte
}

// IsEmpty reports whether the interval contains no keys.
func (r Range) IsEmpty() bool { return bytes.Compare(r.Begin, r.End) >= 0 }

func (rs RangeSet) entryKey(begin []byte) []byte {
	return rs.sub.Pack(tuple.Tuple{begin})
}

func (rs RangeSet) decodeEntry(key, value []byte) (Range, error) {
	t, err := rs.sub.Unpack(key)
	if err != nil {
		return Range{}, err
	}
	if len(t) != 1 {
		return Range{}, errors.AssertionFailedf("rangeset: malformed entry key %x", key)
	}
	begin, ok := t[0].([]byte)
	if !ok {
		return Range{}, errors.AssertionFailedf("rangeset: non-bytes interval begin in %x", key)
	}
	return Range{Begin: begin, End: append([]byte(nil), value...)}, nil
}

// Insert adds [begin, end) to the union, merging any touching or overlapping
// stored intervals into one entry.
func (rs RangeSet) Insert(ctx context.Context, tx kv.Transaction, begin, end []byte) error {
	if bytes.Compare(begin, end) >= 0 {
		return nil
	}
	newBegin := append([]byte(nil), begin...)
	newEnd := append([]byte(nil), end...)

	// An interval starting at or before begin may overlap or touch us.
	prev, ok, err := rs.lastStartingAtOrBefore(ctx, tx, begin)
	if err != nil {
		return err
	}
	if ok && bytes.Compare(prev.End, begin) >= 0 {
		if bytes.Compare(prev.End, end) >= 0 {
			// Already covered.
			return nil
		}
		newBegin = prev.Begin
		tx.Clear(rs.entryKey(prev.Begin))
	}

	// Absorb every interval starting within (begin, end].
	it := tx.GetRange(ctx,
		kv.FirstGreaterThan(rs.entryKey(begin)),
		kv.FirstGreaterThan(rs.entryKey(end)),
		kv.RangeOptions{})
	defer it.Close()
	for it.Next() {
		r, err := rs.decodeEntry(it.Key(), it.Value())
		if err != nil {
			return err
		}
		tx.Clear(rs.entryKey(r.Begin))
		if bytes.Compare(r.End, newEnd) > 0 {
			newEnd = r.End
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	tx.Set(rs.entryKey(newBegin), newEnd)
	return nil
}

// Contains reports whether key lies inside some stored interval.
func (rs RangeSet) Contains(ctx context.Context, tx kv.Transaction, key []byte) (bool, error) {
	r, ok, err := rs.lastStartingAtOrBefore(ctx, tx, key)
	if err != nil || !ok {
		return false, err
	}
	return bytes.Compare(r.End, key) > 0, nil
}

// Missing returns the complement of the union intersected with [begin, end),
// in order. An empty result means the interval is fully covered.
func (rs RangeSet) Missing(ctx context.Context, tx kv.Transaction, begin, end []byte) ([]Range, error) {
	if bytes.Compare(begin, end) >= 0 {
		return nil, nil
	}
	var gaps []Range
	cursor := append([]byte(nil), begin...)

	// An interval straddling begin advances the cursor before the walk.
	if prev, ok, err := rs.lastStartingAtOrBefore(ctx, tx, begin); err != nil {
		return nil, err
	} else if ok && bytes.Compare(prev.End, cursor) > 0 {
		cursor = prev.End
	}

	it := tx.GetRange(ctx,
		kv.FirstGreaterThan(rs.entryKey(begin)),
		kv.FirstGreaterOrEqual(rs.entryKey(end)),
		kv.RangeOptions{})
	defer it.Close()
	for it.Next() {
		r, err := rs.decodeEntry(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		if bytes.Compare(cursor, r.Begin) < 0 {
			gaps = append(gaps, Range{Begin: cursor, End: r.Begin})
		}
		if bytes.Compare(r.End, cursor) > 0 {
			cursor = r.End
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if bytes.Compare(cursor, end) < 0 {
		gaps = append(gaps, Range{Begin: cursor, End: append([]byte(nil), end...)})
	}
	return gaps, nil
}

// Clear removes every stored interval.
func (rs RangeSet) Clear(tx kv.Transaction) {
	begin, end := rs.sub.Range()
	tx.ClearRange(begin, end)
}

// Intervals returns the stored intervals in order.
func (rs RangeSet) Intervals(ctx context.Context, tx kv.Transaction) ([]Range, error) {
	begin, end := rs.sub.Range()
	var out []Range
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(end), kv.RangeOptions{})
	defer it.Close()
	for it.Next() {
		r, err := rs.decodeEntry(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, it.Err()
}

// ApproximateCoverage estimates the covered fraction of [begin, end) by
// mapping keys to the unit interval through their leading eight bytes. Good
// enough for progress reporting; not a substitute for Missing.
func (rs RangeSet) ApproximateCoverage(ctx context.Context, tx kv.Transaction, begin, end []byte) (float64, error) {
	total := keyFraction(end) - keyFraction(begin)
	if total <= 0 {
		return 1, nil
	}
	ivs, err := rs.Intervals(ctx, tx)
	if err != nil {
		return 0, err
	}
	covered := 0.0
	for _, r := range ivs {
		lo, hi := keyFraction(maxKey(r.Begin, begin)), keyFraction(minKey(r.End, end))
		if hi > lo {
			covered += hi - lo
		}
	}
	if covered > total {
		covered = total
	}
	return covered / total, nil
}

func (rs RangeSet) lastStartingAtOrBefore(
	ctx context.Context, tx kv.Transaction, key []byte,
) (Range, bool, error) {
	setBegin, _ := rs.sub.Range()
	it := tx.GetRange(ctx,
		kv.FirstGreaterOrEqual(setBegin),
		kv.FirstGreaterThan(rs.entryKey(key)),
		kv.RangeOptions{Limit: 1, Reverse: true})
	defer it.Close()
	if !it.Next() {
		return Range{}, false, it.Err()
	}
	r, err := rs.decodeEntry(it.Key(), it.Value())
	if err != nil {
		return Range{}, false, err
	}
	return r, true, nil
}

func keyFraction(k []byte) float64 {
	var b [8]byte
	copy(b[:], k)
	return float64(binary.BigEndian.Uint64(b[:])) / float64(^uint64(0))
}

func maxKey(a, b []byte) []byte {
	if bytes.Compare(a, b) >= 0 {
		return a
	}
	return b
}

func minKey(a, b []byte) []byte {
	if bytes.Compare(a, b) <= 0 {
		return a
	}
	return b
}
