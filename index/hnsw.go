// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package index

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

// ErrGraphMissing marks vector searches against an index whose HNSW graph
// has not been built. The circuit breaker downgrades such searches to a flat
// scan.
var ErrGraphMissing = errors.New("hnsw graph missing")

// HNSWParams tune graph construction and search.
type HNSWParams struct {
	// M is the neighbor budget per node per layer; layer 0 allows 2M.
	M int
	// EfConstruction is the candidate pool size during insertion.
	EfConstruction int
	// Ef is the default candidate pool size during search.
	Ef int
}

// EnsureDefaults fills unset parameters.
func (p *HNSWParams) EnsureDefaults() {
	if p.M <= 0 {
		p.M = 16
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = 200
	}
	if p.Ef <= 0 {
		p.Ef = 100
	}
}

// mL returns the level-assignment factor 1/ln(M).
func (p HNSWParams) mL() float64 { return 1 / math.Log(float64(p.M)) }

// Key layout inside the index subspace, discriminated by a leading integer:
//
//	(0, "entry")                     -> (entryLevel, packedPk)   graph entry point
//	(1, pk...)                       -> (level, vectorBytes)     node metadata
//	(2, pk..., layer, packedNbrPk)   -> distanceBits             one edge
//
// level is -1 until the build assigns the node a graph level.
const (
	hnswControl = int64(0)
	hnswNode    = int64(1)
	hnswEdge    = int64(2)
)

const levelUnassigned = int64(-1)

// VectorMaintainer stores one vector node per record and, once built, the
// HNSW graph over them. Save-time maintenance always keeps the node vector
// current; graph insertion happens through the online indexer's two-phase
// build, or inline when the index opts into it.
type VectorMaintainer struct {
	def    *schema.IndexDefinition
	sub    subspace.Subspace
	params HNSWParams
}

var _ Maintainer = (*VectorMaintainer)(nil)

// NewVectorMaintainer builds the maintainer for a vector definition.
func NewVectorMaintainer(def *schema.IndexDefinition, sub subspace.Subspace) (*VectorMaintainer, error) {
	m := &VectorMaintainer{def: def, sub: sub}
	m.params.EnsureDefaults()
	return m, nil
}

// SetParams overrides the construction/search parameters.
func (m *VectorMaintainer) SetParams(p HNSWParams) {
	p.EnsureDefaults()
	m.params = p
}

// Params returns the active parameters.
func (m *VectorMaintainer) Params() HNSWParams { return m.params }

// Def implements Maintainer.
func (m *VectorMaintainer) Def() *schema.IndexDefinition { return m.def }

func (m *VectorMaintainer) nodeKey(pk tuple.Tuple) []byte {
	return m.sub.Pack(append(tuple.Tuple{hnswNode}, pk...))
}

func (m *VectorMaintainer) entryPointKey() []byte {
	return m.sub.Pack(tuple.Tuple{hnswControl, "entry"})
}

func (m *VectorMaintainer) edgeKey(pk tuple.Tuple, layer int64, neighbor tuple.Tuple) []byte {
	t := append(tuple.Tuple{hnswEdge}, pk...)
	t = append(t, layer, neighbor.Pack())
	return m.sub.Pack(t)
}

func (m *VectorMaintainer) edgePrefix(pk tuple.Tuple, layer int64) tuple.Tuple {
	t := append(tuple.Tuple{hnswEdge}, pk...)
	return append(t, layer)
}

// vector extracts the record's embedding. A nil embedding means the record
// is not vector-indexed; a non-nil embedding must match the declared
// dimensions.
func (m *VectorMaintainer) vector(rt *schema.RecordType, r schema.Record) ([]float32, error) {
	vec, err := rt.ExtractVector(r, m.def.VectorFieldPath())
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}
	if len(vec) != m.def.Vector.Dimensions {
		return nil, base.SchemaErrorf("index %q: vector has %d dimensions, want %d",
			m.def.Name, len(vec), m.def.Vector.Dimensions)
	}
	return vec, nil
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func encodeNodeMeta(level int64, vec []float32) []byte {
	return tuple.Tuple{level, encodeVector(vec)}.Pack()
}

func decodeNodeMeta(v []byte) (level int64, vec []float32, err error) {
	t, err := tuple.Unpack(v)
	if err != nil || len(t) != 2 {
		return 0, nil, base.CorruptionErrorf("malformed hnsw node metadata")
	}
	l, ok := t[0].(int64)
	if !ok {
		return 0, nil, base.CorruptionErrorf("malformed hnsw node metadata")
	}
	raw, ok := t[1].([]byte)
	if !ok {
		return 0, nil, base.CorruptionErrorf("malformed hnsw node metadata")
	}
	return l, decodeVector(raw), nil
}

// Update implements Maintainer. The node's stored vector always tracks the
// record; the graph is touched only for deletions and for inline-insert
// indexes.
func (m *VectorMaintainer) Update(
	ctx context.Context, tx kv.Transaction, rt *schema.RecordType, old, new schema.Record,
) error {
	if new == nil {
		pk, err := primaryKey(rt, old)
		if err != nil {
			return err
		}
		return m.removeNode(ctx, tx, pk)
	}
	pk, err := primaryKey(rt, new)
	if err != nil {
		return err
	}
	vec, err := m.vector(rt, new)
	if err != nil {
		return err
	}
	if vec == nil {
		// The record carries no embedding: drop any node it used to have.
		return m.removeNode(ctx, tx, pk)
	}
	existing, err := tx.Get(ctx, m.nodeKey(pk), false)
	if err != nil {
		return err
	}
	level := levelUnassigned
	if existing != nil {
		if level, _, err = decodeNodeMeta(existing); err != nil {
			return err
		}
	}
	tx.Set(m.nodeKey(pk), encodeNodeMeta(level, vec))

	if m.def.Vector.Strategy == schema.StrategyHNSW && m.def.Vector.InlineInsert &&
		existing == nil {
		return m.InsertIntoGraph(ctx, tx, pk, vec)
	}
	return nil
}

// removeNode drops the node's metadata and outgoing edges. Inbound edges are
// left behind; search treats a missing target as a skipped candidate, and a
// rebuild of the index reclaims them.
func (m *VectorMaintainer) removeNode(ctx context.Context, tx kv.Transaction, pk tuple.Tuple) error {
	entryPk, _, ok, err := m.entryPoint(ctx, tx)
	if err != nil {
		return err
	}
	if ok && tuple.Equal(entryPk, pk) {
		tx.Clear(m.entryPointKey())
	}
	tx.Clear(m.nodeKey(pk))
	begin, end := m.sub.PrefixRange(append(tuple.Tuple{hnswEdge}, pk...))
	tx.ClearRange(begin, end)
	return nil
}

func (m *VectorMaintainer) entryPoint(
	ctx context.Context, tx kv.Transaction,
) (pk tuple.Tuple, level int64, ok bool, err error) {
	v, err := tx.Get(ctx, m.entryPointKey(), false)
	if err != nil || v == nil {
		return nil, 0, false, err
	}
	t, err := tuple.Unpack(v)
	if err != nil || len(t) != 2 {
		return nil, 0, false, base.CorruptionErrorf("malformed hnsw entry point")
	}
	l, ok1 := t[0].(int64)
	raw, ok2 := t[1].([]byte)
	if !ok1 || !ok2 {
		return nil, 0, false, base.CorruptionErrorf("malformed hnsw entry point")
	}
	pkT, err := tuple.Unpack(raw)
	if err != nil {
		return nil, 0, false, err
	}
	return pkT, l, true, nil
}

func (m *VectorMaintainer) setEntryPoint(tx kv.Transaction, pk tuple.Tuple, level int64) {
	tx.Set(m.entryPointKey(), tuple.Tuple{level, pk.Pack()}.Pack())
}

// AssignLevel is phase one of the two-phase build: it stamps the node's
// probabilistic graph level without creating edges. Deterministic per primary
// key so a restarted build assigns identical levels.
func (m *VectorMaintainer) AssignLevel(ctx context.Context, tx kv.Transaction, pk tuple.Tuple) (int64, error) {
	v, err := tx.Get(ctx, m.nodeKey(pk), false)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, base.CorruptionErrorf("hnsw node missing for level assignment")
	}
	level, vec, err := decodeNodeMeta(v)
	if err != nil {
		return 0, err
	}
	if level != levelUnassigned {
		return level, nil
	}
	level = m.levelFor(pk)
	tx.Set(m.nodeKey(pk), encodeNodeMeta(level, vec))
	return level, nil
}

// levelFor draws the node's level from the standard exponential distribution
// floor(-ln(u) * mL), with u derived from the primary key so the draw is
// stable across build restarts.
func (m *VectorMaintainer) levelFor(pk tuple.Tuple) int64 {
	h := fnv.New64a()
	h.Write(pk.Pack())
	u := (float64(h.Sum64()>>11) + 1) / float64(1<<53)
	level := int64(-math.Log(u) * m.params.mL())
	const maxLevel = 31
	if level > maxLevel {
		level = maxLevel
	}
	return level
}

// Distance computes the configured metric between two vectors. Smaller is
// nearer for every metric: inner product is negated, cosine is 1-cos.
func (m *VectorMaintainer) Distance(a, b []float32) float64 {
	switch m.def.Vector.Metric {
	case schema.MetricCosine:
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	case schema.MetricInnerProduct:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return -dot
	default: // L2
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	}
}
