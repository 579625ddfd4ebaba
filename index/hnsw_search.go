// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package index

import (
	"container/heap"
	"context"
	"encoding/binary"
	"math"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/tuple"
)

// A Neighbor is one nearest-neighbor result.
type Neighbor struct {
	PK       tuple.Tuple
	Distance float64
}

// node is an in-transaction view of one graph node.
type node struct {
	pk     tuple.Tuple
	pkKey  string // packed pk, map key
	level  int64
	vector []float32
}

func (m *VectorMaintainer) getNode(ctx context.Context, tx kv.Transaction, pk tuple.Tuple) (*node, error) {
	v, err := tx.Get(ctx, m.nodeKey(pk), false)
	if err != nil || v == nil {
		return nil, err
	}
	level, vec, err := decodeNodeMeta(v)
	if err != nil {
		return nil, err
	}
	return &node{pk: pk, pkKey: string(pk.Pack()), level: level, vector: vec}, nil
}

// neighbors loads the packed primary keys adjacent to pk at layer.
func (m *VectorMaintainer) neighbors(
	ctx context.Context, tx kv.Transaction, pk tuple.Tuple, layer int64,
) ([]tuple.Tuple, error) {
	begin, end := m.sub.PrefixRange(m.edgePrefix(pk, layer))
	var out []tuple.Tuple
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(end), kv.RangeOptions{})
	defer it.Close()
	for it.Next() {
		t, err := m.sub.Unpack(it.Key())
		if err != nil {
			return nil, err
		}
		raw, ok := t[len(t)-1].([]byte)
		if !ok {
			return nil, errors.AssertionFailedf("hnsw: malformed edge key")
		}
		nbr, err := tuple.Unpack(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, nbr)
	}
	return out, it.Err()
}

// candidate heaps: nearHeap pops the closest first, farHeap the farthest.
type candidate struct {
	n    *node
	dist float64
}

type nearHeap []candidate

func (h nearHeap) Len() int            { return len(h) }
func (h nearHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h nearHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nearHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *nearHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type farHeap []candidate

func (h farHeap) Len() int            { return len(h) }
func (h farHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h farHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *farHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *farHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// searchLayer is the ef-bounded best-first search within one layer starting
// from the given entry candidates.
func (m *VectorMaintainer) searchLayer(
	ctx context.Context, tx kv.Transaction, query []float32, entries []candidate, ef int, layer int64,
) ([]candidate, error) {
	visited := map[string]bool{}
	var toVisit nearHeap
	var result farHeap
	for _, e := range entries {
		visited[e.n.pkKey] = true
		heap.Push(&toVisit, e)
		heap.Push(&result, e)
	}
	for toVisit.Len() > 0 {
		cur := heap.Pop(&toVisit).(candidate)
		if result.Len() >= ef && cur.dist > result[0].dist {
			break
		}
		nbrs, err := m.neighbors(ctx, tx, cur.n.pk, layer)
		if err != nil {
			return nil, err
		}
		for _, nbrPk := range nbrs {
			key := string(nbrPk.Pack())
			if visited[key] {
				continue
			}
			visited[key] = true
			n, err := m.getNode(ctx, tx, nbrPk)
			if err != nil {
				return nil, err
			}
			if n == nil {
				// Deleted node with a dangling inbound edge.
				continue
			}
			d := m.Distance(query, n.vector)
			if result.Len() < ef || d < result[0].dist {
				c := candidate{n: n, dist: d}
				heap.Push(&toVisit, c)
				heap.Push(&result, c)
				if result.Len() > ef {
					heap.Pop(&result)
				}
			}
		}
	}
	out := make([]candidate, result.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&result).(candidate)
	}
	return out, nil
}

// Search returns the k nearest stored vectors to query through the HNSW
// graph. It fails with ErrGraphMissing when no graph has been built.
func (m *VectorMaintainer) Search(
	ctx context.Context, tx kv.Transaction, query []float32, k, ef int,
) ([]Neighbor, error) {
	if ef < 2*k {
		ef = 2 * k
	}
	if ef < m.params.Ef {
		ef = m.params.Ef
	}
	entryPk, entryLevel, ok, err := m.entryPoint(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Mark(errors.Newf("vector index %q has no graph entry point", m.def.Name), ErrGraphMissing)
	}
	ep, err := m.getNode(ctx, tx, entryPk)
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, errors.Mark(errors.Newf("vector index %q entry point dangles", m.def.Name), ErrGraphMissing)
	}
	cur := candidate{n: ep, dist: m.Distance(query, ep.vector)}
	for layer := entryLevel; layer > 0; layer-- {
		res, err := m.searchLayer(ctx, tx, query, []candidate{cur}, 1, layer)
		if err != nil {
			return nil, err
		}
		if len(res) > 0 {
			cur = res[0]
		}
	}
	res, err := m.searchLayer(ctx, tx, query, []candidate{cur}, ef, 0)
	if err != nil {
		return nil, err
	}
	if len(res) > k {
		res = res[:k]
	}
	out := make([]Neighbor, len(res))
	for i, c := range res {
		out[i] = Neighbor{PK: c.n.pk, Distance: c.dist}
	}
	return out, nil
}

// FlatSearch answers k-NN by exact scan over every stored vector: the
// fallback path when the graph is missing or the breaker is open, and the
// whole strategy for flat-scan indexes.
func (m *VectorMaintainer) FlatSearch(
	ctx context.Context, tx kv.Transaction, query []float32, k int,
) ([]Neighbor, error) {
	begin, end := m.sub.PrefixRange(tuple.Tuple{hnswNode})
	var all []Neighbor
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(end), kv.RangeOptions{})
	defer it.Close()
	for it.Next() {
		t, err := m.sub.Unpack(it.Key())
		if err != nil {
			return nil, err
		}
		_, vec, err := decodeNodeMeta(it.Value())
		if err != nil {
			return nil, err
		}
		all = append(all, Neighbor{PK: append(tuple.Tuple{}, t[1:]...), Distance: m.Distance(query, vec)})
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Distance != all[j].Distance {
			return all[i].Distance < all[j].Distance
		}
		return tuple.Compare(all[i].PK, all[j].PK) < 0
	})
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// InsertIntoGraph is phase two of the build for one node: wire pk into every
// layer up to its assigned level. The node's vector must already be stored;
// an unassigned level is drawn first.
func (m *VectorMaintainer) InsertIntoGraph(
	ctx context.Context, tx kv.Transaction, pk tuple.Tuple, vec []float32,
) error {
	level, err := m.AssignLevel(ctx, tx, pk)
	if err != nil {
		return err
	}
	entryPk, entryLevel, ok, err := m.entryPoint(ctx, tx)
	if err != nil {
		return err
	}
	if !ok {
		m.setEntryPoint(tx, pk, level)
		return nil
	}
	if tuple.Equal(entryPk, pk) {
		return nil
	}
	// A node that already holds layer-0 edges is wired; re-inserting (a
	// retried build batch, or inline insert racing the online build) is a
	// no-op.
	if existing, err := m.neighbors(ctx, tx, pk, 0); err != nil {
		return err
	} else if len(existing) > 0 {
		return nil
	}
	ep, err := m.getNode(ctx, tx, entryPk)
	if err != nil {
		return err
	}
	if ep == nil {
		m.setEntryPoint(tx, pk, level)
		return nil
	}
	cur := candidate{n: ep, dist: m.Distance(vec, ep.vector)}
	for layer := entryLevel; layer > level; layer-- {
		res, err := m.searchLayer(ctx, tx, vec, []candidate{cur}, 1, layer)
		if err != nil {
			return err
		}
		if len(res) > 0 {
			cur = res[0]
		}
	}
	entries := []candidate{cur}
	top := level
	if entryLevel < top {
		top = entryLevel
	}
	self := &node{pk: pk, pkKey: string(pk.Pack()), level: level, vector: vec}
	for layer := top; layer >= 0; layer-- {
		res, err := m.searchLayer(ctx, tx, vec, entries, m.params.EfConstruction, layer)
		if err != nil {
			return err
		}
		maxConn := m.params.M
		if layer == 0 {
			maxConn = 2 * m.params.M
		}
		selected := res
		if len(selected) > m.params.M {
			selected = selected[:m.params.M]
		}
		for _, c := range selected {
			m.setEdge(tx, self.pk, layer, c.n.pk, c.dist)
			m.setEdge(tx, c.n.pk, layer, self.pk, c.dist)
			if err := m.pruneEdges(ctx, tx, c.n, int64(layer), maxConn); err != nil {
				return err
			}
		}
		entries = res
	}
	if level > entryLevel {
		m.setEntryPoint(tx, pk, level)
	}
	return nil
}

// setEdge writes one directed edge with its distance.
func (m *VectorMaintainer) setEdge(tx kv.Transaction, from tuple.Tuple, layer int64, to tuple.Tuple, dist float64) {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], math.Float64bits(dist))
	tx.Set(m.edgeKey(from, layer, to), v[:])
}

// pruneEdges trims a node's adjacency list back to maxConn, dropping the
// farthest neighbors.
func (m *VectorMaintainer) pruneEdges(
	ctx context.Context, tx kv.Transaction, n *node, layer int64, maxConn int,
) error {
	begin, end := m.sub.PrefixRange(m.edgePrefix(n.pk, layer))
	type edge struct {
		key  []byte
		dist float64
	}
	var edges []edge
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(end), kv.RangeOptions{})
	for it.Next() {
		var bits uint64
		if len(it.Value()) == 8 {
			bits = binary.BigEndian.Uint64(it.Value())
		}
		edges = append(edges, edge{key: append([]byte(nil), it.Key()...), dist: math.Float64frombits(bits)})
	}
	it.Close()
	if err := it.Err(); err != nil {
		return err
	}
	if len(edges) <= maxConn {
		return nil
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].dist < edges[j].dist })
	for _, e := range edges[maxConn:] {
		tx.Clear(e.key)
	}
	return nil
}
