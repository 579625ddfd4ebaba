// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/index"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/query"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/tuple"
)

// requireReadable gates aggregate reads the same way the planner gates
// scans.
func (t *Txn) requireReadable(ctx context.Context, indexName string) (index.Maintainer, error) {
	st, err := t.IndexState(ctx, indexName)
	if err != nil {
		return nil, err
	}
	if !st.Queryable() {
		return nil, errors.Mark(
			errors.Newf("index %q is %s, not readable", indexName, st),
			base.ErrIndexNotReadable)
	}
	return t.s.maintainer(indexName)
}

// Count reads a count index's aggregate for one grouping tuple: a single
// point read.
func (t *Txn) Count(ctx context.Context, indexName string, group tuple.Tuple) (int64, error) {
	m, err := t.requireReadable(ctx, indexName)
	if err != nil {
		return 0, err
	}
	cm, ok := m.(*index.CountMaintainer)
	if !ok {
		return 0, base.SchemaErrorf("index %q is not a count index", indexName)
	}
	return cm.Read(ctx, t.tx, group)
}

// Sum reads a sum index's aggregate for one grouping tuple.
func (t *Txn) Sum(ctx context.Context, indexName string, group tuple.Tuple) (int64, error) {
	m, err := t.requireReadable(ctx, indexName)
	if err != nil {
		return 0, err
	}
	sm, ok := m.(*index.SumMaintainer)
	if !ok {
		return 0, base.SchemaErrorf("index %q is not a sum index", indexName)
	}
	return sm.Read(ctx, t.tx, group)
}

// Min reads a min index's aggregate for one grouping tuple; ok is false
// when the grouping holds no records. One boundary read.
func (t *Txn) Min(ctx context.Context, indexName string, group tuple.Tuple) (tuple.TupleElement, bool, error) {
	return t.minMax(ctx, indexName, group, schema.IndexMin)
}

// Max is Min's counterpart.
func (t *Txn) Max(ctx context.Context, indexName string, group tuple.Tuple) (tuple.TupleElement, bool, error) {
	return t.minMax(ctx, indexName, group, schema.IndexMax)
}

func (t *Txn) minMax(
	ctx context.Context, indexName string, group tuple.Tuple, kind schema.IndexKind,
) (tuple.TupleElement, bool, error) {
	m, err := t.requireReadable(ctx, indexName)
	if err != nil {
		return nil, false, err
	}
	mm, ok := m.(*index.MinMaxMaintainer)
	if !ok || m.Def().Kind != kind {
		return nil, false, base.SchemaErrorf("index %q is not a %s index", indexName, kind)
	}
	return mm.Read(ctx, t.tx, group)
}

// Rank returns the number of indexed entries ranked strictly below the
// scored tuple. O(log n) against the rank index's skip-list.
func (t *Txn) Rank(ctx context.Context, indexName string, scored tuple.Tuple) (int64, error) {
	m, err := t.requireReadable(ctx, indexName)
	if err != nil {
		return 0, err
	}
	rm, ok := m.(*index.RankMaintainer)
	if !ok {
		return 0, base.SchemaErrorf("index %q is not a rank index", indexName)
	}
	return rm.Rank(ctx, t.tx, scored)
}

// VersionHistory returns a record's commit-ordered versionstamps from a
// version index.
func (t *Txn) VersionHistory(ctx context.Context, indexName string, pk tuple.Tuple) ([]tuple.Versionstamp, error) {
	m, err := t.requireReadable(ctx, indexName)
	if err != nil {
		return nil, err
	}
	vm, ok := m.(*index.VersionMaintainer)
	if !ok {
		return nil, base.SchemaErrorf("index %q is not a version index", indexName)
	}
	return vm.History(ctx, t.tx, pk)
}

// NearestNeighbors returns the k records nearest to queryVec under the
// vector index on fieldPath, with distances. The index is resolved by
// structure, not by name.
func (t *Txn) NearestNeighbors(
	ctx context.Context, recordType, fieldPath string, queryVec []float32, k int,
) ([]query.Result, error) {
	cur, err := t.Query(ctx, query.Query{
		RecordType: recordType,
		Nearest:    &query.VectorClause{FieldPath: fieldPath, Query: queryVec, K: k},
	}, nil)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	return drainCursor(ctx, cur)
}

// WithinRegion returns the records whose indexed coordinates fall inside
// the region.
func (t *Txn) WithinRegion(
	ctx context.Context, recordType string, fieldPaths []string, region index.Region,
) ([]query.Result, error) {
	cur, err := t.Query(ctx, query.Query{
		RecordType: recordType,
		Within:     &query.SpatialClause{FieldPaths: fieldPaths, Region: region},
	}, nil)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	return drainCursor(ctx, cur)
}

func drainCursor(ctx context.Context, cur query.Cursor) ([]query.Result, error) {
	var out []query.Result
	for {
		res, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, res)
	}
}
