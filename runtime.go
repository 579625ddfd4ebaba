// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/index"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/query"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/stats"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

func firstGE(key []byte) kv.KeySelector { return kv.FirstGreaterOrEqual(key) }
func firstGT(key []byte) kv.KeySelector { return kv.FirstGreaterThan(key) }
func rangeAll() kv.RangeOptions         { return kv.RangeOptions{} }

// Query plans and executes a query in this transaction, returning a
// streaming cursor. Plans are cached on the normalized query shape.
func (t *Txn) Query(ctx context.Context, q query.Query, continuation []byte) (query.Cursor, error) {
	plan, err := t.PlanQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	return t.Execute(ctx, plan, continuation)
}

// PlanQuery returns the cost-chosen plan without executing it.
func (t *Txn) PlanQuery(ctx context.Context, q query.Query) (query.Plan, error) {
	key := planCacheKey(q)
	// The cache is consulted only when every index the planner may use has
	// the state it had when cached; states rarely change, so keying on the
	// readable set keeps this simple.
	stateSig := ""
	for _, def := range t.s.schema.Indexes() {
		st, err := t.IndexState(ctx, def.Name)
		if err != nil {
			return nil, err
		}
		stateSig += fmt.Sprintf("%s=%d;", def.Name, st)
	}
	key += "|" + stateSig
	if plan, ok := t.s.planCache.Get(key); ok {
		return plan, nil
	}
	planner := &query.Planner{
		Schema: t.s.schema,
		State: func(name string) schema.IndexState {
			st, err := t.IndexState(ctx, name)
			if err != nil {
				return schema.StateDisabled
			}
			return st
		},
		Stats: &txnStats{ctx: ctx, txn: t},
	}
	plan, err := planner.Plan(q)
	if err != nil {
		return nil, err
	}
	t.s.planCache.Add(key, plan)
	return plan, nil
}

// Execute runs a plan tree, resuming from continuation when non-nil.
func (t *Txn) Execute(ctx context.Context, plan query.Plan, continuation []byte) (query.Cursor, error) {
	t.s.metrics.Queries.Inc()
	return query.Execute(ctx, plan, t, continuation)
}

func planCacheKey(q query.Query) string {
	key := q.RecordType
	if q.Filter != nil {
		key += "|" + query.Describe(q.Filter)
	}
	if q.Sort != nil {
		key += fmt.Sprintf("|sort=%s,%t", q.Sort.Field, q.Sort.Reverse)
	}
	if q.Limit > 0 {
		key += fmt.Sprintf("|limit=%d", q.Limit)
	}
	if q.Nearest != nil {
		key += fmt.Sprintf("|knn=%s,%d", q.Nearest.FieldPath, q.Nearest.K)
	}
	if q.Within != nil {
		key += fmt.Sprintf("|region=%v%v", q.Within.Region.Min, q.Within.Region.Max)
	}
	return key
}

// txnStats adapts persisted histograms to the planner.
type txnStats struct {
	ctx context.Context
	txn *Txn
}

func (ts *txnStats) HistogramFor(indexName string) *stats.Histogram {
	h, ok, err := stats.Load(ts.ctx, ts.txn.tx, ts.txn.s.statsSubFor(indexName))
	if err != nil || !ok {
		return nil
	}
	return h
}

// RecordType implements query.Runtime.
func (t *Txn) RecordType(name string) (*schema.RecordType, error) {
	return t.s.schema.RecordType(name)
}

// FullScanCursor implements query.Runtime: primary storage scan in primary
// key order.
func (t *Txn) FullScanCursor(ctx context.Context, recordType string, continuation []byte) (query.Cursor, error) {
	rt, err := t.s.schema.RecordType(recordType)
	if err != nil {
		return nil, err
	}
	begin, end := t.s.typeSub(recordType).Range()
	beginSel := firstGE(begin)
	if len(continuation) > 0 {
		beginSel = firstGT(continuation)
	}
	it := t.tx.GetRange(ctx, beginSel, firstGE(end), rangeAll())
	return &recordScanCursor{txn: t, rt: rt, sub: t.s.typeSub(recordType), it: it}, nil
}

// recordScanCursor streams primary storage entries. The continuation is the
// last yielded storage key.
type recordScanCursor struct {
	txn  *Txn
	rt   *schema.RecordType
	sub  subspace.Subspace
	it   kv.Iterator
	last []byte
}

func (c *recordScanCursor) Next(ctx context.Context) (query.Result, bool, error) {
	if !c.it.Next() {
		return query.Result{}, false, c.it.Err()
	}
	key := c.it.Key()
	pk, err := decodeRecordKey(c.sub, key)
	if err != nil {
		return query.Result{}, false, err
	}
	rec, err := c.txn.s.opts.Serializer.Deserialize(c.rt.Name(), c.it.Value())
	if err != nil {
		return query.Result{}, false, err
	}
	c.last = append([]byte(nil), key...)
	return query.Result{Record: rec, PrimaryKey: pk}, true, nil
}

func (c *recordScanCursor) Continuation() []byte { return c.last }
func (c *recordScanCursor) Close()               { c.it.Close() }

// decodeRecordKey strips the type subspace prefix and unwraps the nested
// primary key.
func decodeRecordKey(typeSub subspace.Subspace, key []byte) (tuple.Tuple, error) {
	t, err := typeSub.Unpack(key)
	if err != nil {
		return nil, err
	}
	if len(t) != 1 {
		return nil, errors.AssertionFailedf("recordlayer: malformed record key %x", key)
	}
	pk, ok := t[0].(tuple.Tuple)
	if !ok {
		return nil, errors.AssertionFailedf("recordlayer: malformed record key %x", key)
	}
	return pk, nil
}

// IndexScanCursor implements query.Runtime: a bounded scan over a value
// index, resolving each entry to its record.
func (t *Txn) IndexScanCursor(ctx context.Context, p *query.IndexScanPlan, continuation []byte) (query.Cursor, error) {
	st, err := t.IndexState(ctx, p.IndexName)
	if err != nil {
		return nil, err
	}
	if !st.Queryable() {
		return nil, errors.Mark(
			errors.Newf("index %q is %s, not readable", p.IndexName, st),
			base.ErrIndexNotReadable)
	}
	sub := t.s.indexSub(p.IndexName)
	begin, end := indexScanRange(sub, p.Bounds)

	beginSel, endSel := firstGE(begin), firstGE(end)
	if len(continuation) > 0 {
		if p.Reverse {
			endSel = firstGE(continuation)
		} else {
			beginSel = firstGT(continuation)
		}
	}
	it := t.tx.GetRange(ctx, beginSel, endSel, kv.RangeOptions{Reverse: p.Reverse})
	return &indexScanCursor{txn: t, plan: p, sub: sub, it: it}, nil
}

// indexScanRange converts symbolic bounds into the index's byte scan range.
// Element encodings are prefix-free, so an exclusive bound on a value skips
// its extensions by starting past valueKey ++ 0xFF.
func indexScanRange(sub subspace.Subspace, b query.ScanBounds) (begin, end []byte) {
	begin, end = sub.PrefixRange(b.Prefix)
	prefixKey := sub.Pack(b.Prefix)
	if b.MatchPrefix != "" {
		// Strings with this prefix: drop the terminator from the packed
		// form and take its extension range.
		packed := tuple.Tuple{b.MatchPrefix}.Pack()
		open := append(append([]byte(nil), prefixKey...), packed[:len(packed)-1]...)
		begin = append(append([]byte(nil), open...), 0x00)
		end = append(open, 0xFF)
		return begin, end
	}
	if b.HasLo() {
		loKey := append(append([]byte(nil), prefixKey...), tuple.Tuple{b.Lo}.Pack()...)
		if b.LoInclusive {
			begin = loKey
		} else {
			begin = append(loKey, 0xFF)
		}
	}
	if b.HasHi() {
		hiKey := append(append([]byte(nil), prefixKey...), tuple.Tuple{b.Hi}.Pack()...)
		if b.HiInclusive {
			end = append(hiKey, 0xFF)
		} else {
			end = hiKey
		}
	}
	return begin, end
}

type indexScanCursor struct {
	txn  *Txn
	plan *query.IndexScanPlan
	sub  subspace.Subspace
	it   kv.Iterator
	last []byte
}

func (c *indexScanCursor) Next(ctx context.Context) (query.Result, bool, error) {
	if !c.it.Next() {
		return query.Result{}, false, c.it.Err()
	}
	key := c.it.Key()
	entry, err := c.sub.Unpack(key)
	if err != nil {
		return query.Result{}, false, err
	}
	if len(entry) < c.plan.Columns {
		return query.Result{}, false, errors.AssertionFailedf(
			"recordlayer: index %q entry shorter than column count", errors.Safe(c.plan.IndexName))
	}
	pk := entry[c.plan.Columns:]
	rec, err := c.txn.Load(ctx, c.plan.RecordType, pk)
	if err != nil {
		return query.Result{}, false, err
	}
	if rec == nil {
		return query.Result{}, false, errors.AssertionFailedf(
			"recordlayer: index %q entry dangles (run the scrubber)", errors.Safe(c.plan.IndexName))
	}
	c.last = append([]byte(nil), key...)
	return query.Result{Record: rec, PrimaryKey: pk}, true, nil
}

func (c *indexScanCursor) Continuation() []byte { return c.last }
func (c *indexScanCursor) Close()               { c.it.Close() }

// VectorSearchCursor implements query.Runtime. The circuit breaker decides
// whether HNSW is attempted; failures downgrade to the exact flat scan and
// open the breaker.
func (t *Txn) VectorSearchCursor(ctx context.Context, p *query.VectorSearchPlan, continuation []byte) (query.Cursor, error) {
	m, err := t.s.maintainer(p.IndexName)
	if err != nil {
		return nil, err
	}
	vm, ok := m.(*index.VectorMaintainer)
	if !ok {
		return nil, base.SchemaErrorf("index %q is not a vector index", p.IndexName)
	}
	neighbors, err := t.s.searchVectors(ctx, t, vm, p.Query, p.K, p.Ef)
	if err != nil {
		return nil, err
	}
	offset := 0
	if len(continuation) > 0 {
		ct, err := tuple.Unpack(continuation)
		if err != nil || len(ct) != 1 {
			return nil, errors.Newf("recordlayer: malformed vector continuation")
		}
		offset = int(ct[0].(int64))
	}
	return &neighborCursor{txn: t, plan: p, neighbors: neighbors, pos: offset}, nil
}

// searchVectors picks HNSW or flat scan per strategy and breaker state.
func (s *Store) searchVectors(
	ctx context.Context, txn *Txn, vm *index.VectorMaintainer, queryVec []float32, k, ef int,
) ([]index.Neighbor, error) {
	s.metrics.VectorSearches.Inc()
	def := vm.Def()
	strategy := def.Vector.Strategy
	if choice, ok := s.opts.VectorStrategy[def.Name]; ok {
		strategy = choice.Strategy
	}
	if strategy != schema.StrategyHNSW {
		return vm.FlatSearch(ctx, txn.tx, queryVec, k)
	}
	breaker := s.breakers[def.Name]
	if !breaker.Allow() {
		s.metrics.VectorFallbacks.Inc()
		return vm.FlatSearch(ctx, txn.tx, queryVec, k)
	}
	res, err := vm.Search(ctx, txn.tx, queryVec, k, ef)
	if err == nil {
		breaker.RecordSuccess()
		return res, nil
	}
	if kvErr := (*kv.Error)(nil); errors.As(err, &kvErr) {
		// Transport errors are the transaction's problem, not the graph's.
		return nil, err
	}
	breaker.RecordFailure()
	s.metrics.VectorFallbacks.Inc()
	s.log.Warnf("vector index %q: hnsw search failed (%v); falling back to flat scan", def.Name, err)
	return vm.FlatSearch(ctx, txn.tx, queryVec, k)
}

// neighborCursor resolves a neighbor list to records, applying the plan's
// post-filter. The continuation is the offset into the neighbor list.
type neighborCursor struct {
	txn       *Txn
	plan      *query.VectorSearchPlan
	neighbors []index.Neighbor
	pos       int
}

func (c *neighborCursor) Next(ctx context.Context) (query.Result, bool, error) {
	for c.pos < len(c.neighbors) {
		n := c.neighbors[c.pos]
		c.pos++
		rec, err := c.txn.Load(ctx, c.plan.RecordType, n.PK)
		if err != nil {
			return query.Result{}, false, err
		}
		if rec == nil {
			continue
		}
		if c.plan.PostFilter != nil {
			rt, err := c.txn.RecordType(c.plan.RecordType)
			if err != nil {
				return query.Result{}, false, err
			}
			ok, err := c.plan.PostFilter.Eval(rt, rec)
			if err != nil {
				return query.Result{}, false, err
			}
			if !ok {
				continue
			}
		}
		return query.Result{Record: rec, PrimaryKey: n.PK, Distance: n.Distance}, true, nil
	}
	return query.Result{}, false, nil
}

func (c *neighborCursor) Continuation() []byte { return tuple.Tuple{int64(c.pos)}.Pack() }
func (c *neighborCursor) Close()               {}

// SpatialScanCursor implements query.Runtime: scan the covering cell range,
// then post-filter exact coordinates to drop covering false positives.
func (t *Txn) SpatialScanCursor(ctx context.Context, p *query.SpatialScanPlan, continuation []byte) (query.Cursor, error) {
	st, err := t.IndexState(ctx, p.IndexName)
	if err != nil {
		return nil, err
	}
	if !st.Queryable() {
		return nil, errors.Mark(
			errors.Newf("index %q is %s, not readable", p.IndexName, st),
			base.ErrIndexNotReadable)
	}
	m, err := t.s.maintainer(p.IndexName)
	if err != nil {
		return nil, err
	}
	sm, ok := m.(*index.SpatialMaintainer)
	if !ok {
		return nil, base.SchemaErrorf("index %q is not a spatial index", p.IndexName)
	}
	begin, end := sm.CoveringRange(p.Region)
	beginSel := firstGE(begin)
	if len(continuation) > 0 {
		beginSel = firstGT(continuation)
	}
	it := t.tx.GetRange(ctx, beginSel, firstGE(end), rangeAll())
	return &spatialScanCursor{txn: t, plan: p, m: sm, it: it}, nil
}

type spatialScanCursor struct {
	txn  *Txn
	plan *query.SpatialScanPlan
	m    *index.SpatialMaintainer
	it   kv.Iterator
	last []byte
}

func (c *spatialScanCursor) Next(ctx context.Context) (query.Result, bool, error) {
	for c.it.Next() {
		key := c.it.Key()
		_, pk, err := c.m.DecodeEntry(key)
		if err != nil {
			return query.Result{}, false, err
		}
		c.last = append(c.last[:0], key...)
		rec, err := c.txn.Load(ctx, c.plan.RecordType, pk)
		if err != nil {
			return query.Result{}, false, err
		}
		if rec == nil {
			continue
		}
		rt, err := c.txn.RecordType(c.plan.RecordType)
		if err != nil {
			return query.Result{}, false, err
		}
		coords, err := c.m.Coordinates(rt, rec)
		if err != nil {
			return query.Result{}, false, err
		}
		if !c.plan.Region.Contains(coords) {
			continue
		}
		if c.plan.PostFilter != nil {
			ok, err := c.plan.PostFilter.Eval(rt, rec)
			if err != nil {
				return query.Result{}, false, err
			}
			if !ok {
				continue
			}
		}
		return query.Result{Record: rec, PrimaryKey: pk}, true, nil
	}
	return query.Result{}, false, c.it.Err()
}

func (c *spatialScanCursor) Continuation() []byte { return c.last }
func (c *spatialScanCursor) Close()               { c.it.Close() }
