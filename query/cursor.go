// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package query

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/tuple"
)

// A Result is one streamed row.
type Result struct {
	Record     schema.Record
	PrimaryKey tuple.Tuple
	// Distance is set by vector search plans.
	Distance float64
}

// A Cursor lazily streams a plan's results. Cursors are single-pass and not
// safe for concurrent use. Continuation returns an opaque token that resumes
// the stream in a later transaction when passed back to Execute; it is valid
// after Next returns false (end or page boundary) and identifies the
// position after the last yielded row.
type Cursor interface {
	Next(ctx context.Context) (Result, bool, error)
	Continuation() []byte
	Close()
}

// A Runtime supplies the storage-backed leaf cursors; the record store
// implements it. Plan interior nodes (filter, limit, union, in-join) execute
// here in the query package.
type Runtime interface {
	FullScanCursor(ctx context.Context, recordType string, continuation []byte) (Cursor, error)
	IndexScanCursor(ctx context.Context, p *IndexScanPlan, continuation []byte) (Cursor, error)
	VectorSearchCursor(ctx context.Context, p *VectorSearchPlan, continuation []byte) (Cursor, error)
	SpatialScanCursor(ctx context.Context, p *SpatialScanPlan, continuation []byte) (Cursor, error)
	RecordType(name string) (*schema.RecordType, error)
}

// Execute builds the cursor tree for a plan. continuation resumes a prior
// execution of the same plan.
func Execute(ctx context.Context, p Plan, rt Runtime, continuation []byte) (Cursor, error) {
	switch v := p.(type) {
	case *FullScanPlan:
		return rt.FullScanCursor(ctx, v.RecordType, continuation)
	case *IndexScanPlan:
		return rt.IndexScanCursor(ctx, v, continuation)
	case *VectorSearchPlan:
		return rt.VectorSearchCursor(ctx, v, continuation)
	case *SpatialScanPlan:
		return rt.SpatialScanCursor(ctx, v, continuation)
	case *FilterPlan:
		child, err := Execute(ctx, v.Child, rt, continuation)
		if err != nil {
			return nil, err
		}
		return &filterCursor{child: child, pred: v.Predicate, rt: rt}, nil
	case *LimitPlan:
		child, err := Execute(ctx, v.Child, rt, continuation)
		if err != nil {
			return nil, err
		}
		return &limitCursor{child: child, remaining: v.N}, nil
	case *UnionPlan:
		return newConcatCursor(ctx, v.Children, rt, continuation, true)
	case *InJoinPlan:
		return newConcatCursor(ctx, v.Children, rt, continuation, true)
	}
	return nil, errors.AssertionFailedf("query: unknown plan node %T", p)
}

type filterCursor struct {
	child Cursor
	pred  Component
	rt    Runtime

	typeCache map[string]*schema.RecordType
}

func (c *filterCursor) Next(ctx context.Context) (Result, bool, error) {
	for {
		res, ok, err := c.child.Next(ctx)
		if err != nil || !ok {
			return Result{}, false, err
		}
		rt, err := c.recordType(res.Record.RecordName())
		if err != nil {
			return Result{}, false, err
		}
		match, err := c.pred.Eval(rt, res.Record)
		if err != nil {
			return Result{}, false, err
		}
		if match {
			return res, true, nil
		}
	}
}

func (c *filterCursor) recordType(name string) (*schema.RecordType, error) {
	if rt, ok := c.typeCache[name]; ok {
		return rt, nil
	}
	rt, err := c.rt.RecordType(name)
	if err != nil {
		return nil, err
	}
	if c.typeCache == nil {
		c.typeCache = map[string]*schema.RecordType{}
	}
	c.typeCache[name] = rt
	return rt, nil
}

func (c *filterCursor) Continuation() []byte { return c.child.Continuation() }
func (c *filterCursor) Close()               { c.child.Close() }

type limitCursor struct {
	child     Cursor
	remaining int
}

func (c *limitCursor) Next(ctx context.Context) (Result, bool, error) {
	if c.remaining <= 0 {
		return Result{}, false, nil
	}
	res, ok, err := c.child.Next(ctx)
	if err != nil || !ok {
		return Result{}, false, err
	}
	c.remaining--
	return res, true, nil
}

func (c *limitCursor) Continuation() []byte { return c.child.Continuation() }
func (c *limitCursor) Close()               { c.child.Close() }

// concatCursor streams children in order. With dedup set, a primary key
// yielded by an earlier child is dropped from later ones (union semantics;
// the seen set lives only for this execution, so resuming across a
// continuation restarts dedup at the boundary).
type concatCursor struct {
	ctx      context.Context
	plans    []Plan
	rt       Runtime
	dedup    bool
	seen     map[string]bool
	childIdx int
	child    Cursor
	done     bool
}

func newConcatCursor(
	ctx context.Context, plans []Plan, rt Runtime, continuation []byte, dedup bool,
) (Cursor, error) {
	c := &concatCursor{ctx: ctx, plans: plans, rt: rt, dedup: dedup, seen: map[string]bool{}}
	childCont := []byte(nil)
	if len(continuation) > 0 {
		t, err := tuple.Unpack(continuation)
		if err != nil || len(t) != 2 {
			return nil, errors.Newf("query: malformed union continuation")
		}
		idx, ok1 := t[0].(int64)
		cc, ok2 := t[1].([]byte)
		if !ok1 || !ok2 || idx < 0 || int(idx) >= len(plans) {
			return nil, errors.Newf("query: malformed union continuation")
		}
		c.childIdx = int(idx)
		childCont = cc
	}
	if err := c.open(childCont); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *concatCursor) open(continuation []byte) error {
	child, err := Execute(c.ctx, c.plans[c.childIdx], c.rt, continuation)
	if err != nil {
		return err
	}
	c.child = child
	return nil
}

func (c *concatCursor) Next(ctx context.Context) (Result, bool, error) {
	for !c.done {
		res, ok, err := c.child.Next(ctx)
		if err != nil {
			return Result{}, false, err
		}
		if ok {
			if c.dedup {
				key := string(res.PrimaryKey.Pack())
				if c.seen[key] {
					continue
				}
				c.seen[key] = true
			}
			return res, true, nil
		}
		c.child.Close()
		c.childIdx++
		if c.childIdx >= len(c.plans) {
			c.done = true
			break
		}
		if err := c.open(nil); err != nil {
			return Result{}, false, err
		}
	}
	return Result{}, false, nil
}

func (c *concatCursor) Continuation() []byte {
	if c.done {
		return nil
	}
	return tuple.Tuple{int64(c.childIdx), c.child.Continuation()}.Pack()
}

func (c *concatCursor) Close() {
	if c.child != nil && !c.done {
		c.child.Close()
	}
}
