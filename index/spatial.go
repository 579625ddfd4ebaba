// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package index

import (
	"bytes"
	"context"
	"math"

	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

// SpatialMaintainer encodes each record's coordinates into a single 64-bit
// cell id and stores one entry at cellId ++ primaryKey. Geographic indexes
// use a Hilbert-curve cell encoding over the lat/lng grid so nearby points
// share id prefixes; Cartesian indexes use Morton Z-order over bounds-
// normalized coordinates. 3D variants pack the range-normalized third
// coordinate into the reserved high bits of the id.
//
// Region queries scan the id range of the smallest cell covering the whole
// region; the executor post-filters exact coordinates to drop the false
// positives the approximate covering admits.
type SpatialMaintainer struct {
	def *schema.IndexDefinition
	sub subspace.Subspace
	enc cellEncoder
}

var _ Maintainer = (*SpatialMaintainer)(nil)
var _ EntryLister = (*SpatialMaintainer)(nil)

// NewSpatialMaintainer builds the maintainer for a spatial definition.
func NewSpatialMaintainer(def *schema.IndexDefinition, sub subspace.Subspace) (*SpatialMaintainer, error) {
	var enc cellEncoder
	switch def.Spatial.Subkind {
	case schema.SpatialGeographic:
		enc = hilbertEncoder{opts: def.Spatial}
	case schema.SpatialCartesian:
		enc = mortonEncoder{opts: def.Spatial}
	default:
		return nil, base.SchemaErrorf("index %q: unknown spatial subkind %d", def.Name, def.Spatial.Subkind)
	}
	return &SpatialMaintainer{def: def, sub: sub, enc: enc}, nil
}

// Def implements Maintainer.
func (m *SpatialMaintainer) Def() *schema.IndexDefinition { return m.def }

func (m *SpatialMaintainer) coords(rt *schema.RecordType, r schema.Record) ([]float64, error) {
	t, err := indexedTuple(m.def, rt, r)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(t))
	for i, e := range t {
		switch v := e.(type) {
		case float64:
			out[i] = v
		case float32:
			out[i] = float64(v)
		case int64:
			out[i] = float64(v)
		default:
			return nil, base.SchemaErrorf("index %q: coordinate %q must be numeric, got %T",
				m.def.Name, m.def.KeyFieldPaths[i], e)
		}
	}
	return out, nil
}

func (m *SpatialMaintainer) entryKey(rt *schema.RecordType, r schema.Record) ([]byte, error) {
	coords, err := m.coords(rt, r)
	if err != nil {
		return nil, err
	}
	pk, err := primaryKey(rt, r)
	if err != nil {
		return nil, err
	}
	cell := m.enc.cellID(coords)
	return m.sub.Pack(append(tuple.Tuple{int64(cell)}, pk...)), nil
}

// Entries implements EntryLister.
func (m *SpatialMaintainer) Entries(rt *schema.RecordType, r schema.Record) ([]Entry, error) {
	key, err := m.entryKey(rt, r)
	if err != nil {
		return nil, err
	}
	return []Entry{{Key: key}}, nil
}

// Update implements Maintainer.
func (m *SpatialMaintainer) Update(
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

// A Region is an axis-aligned box in coordinate space. Min and Max have one
// entry per indexed dimension.
type Region struct {
	Min, Max []float64
}

// Contains reports whether the point lies inside the region (inclusive).
func (r Region) Contains(coords []float64) bool {
	for i := range r.Min {
		if coords[i] < r.Min[i] || coords[i] > r.Max[i] {
			return false
		}
	}
	return true
}

// CoveringRange returns the cell-id scan range of the smallest single cell
// containing the whole region. The range over-covers; callers post-filter.
func (m *SpatialMaintainer) CoveringRange(region Region) (begin, end []byte) {
	lo, hi := m.enc.covering(region)
	begin = m.sub.Pack(tuple.Tuple{int64(lo)})
	// hi is inclusive; extend past its last possible suffix.
	endKey := m.sub.Pack(tuple.Tuple{int64(hi)})
	end = append(endKey, 0xFF)
	return begin, end
}

// DecodeEntry splits an entry key into cell id and primary key.
func (m *SpatialMaintainer) DecodeEntry(key []byte) (cell int64, pk tuple.Tuple, err error) {
	t, err := m.sub.Unpack(key)
	if err != nil {
		return 0, nil, err
	}
	c, ok := t[0].(int64)
	if !ok {
		return 0, nil, base.CorruptionErrorf("spatial entry with non-integer cell id")
	}
	return c, t[1:], nil
}

// Coordinates evaluates the record's indexed coordinates; the executor uses
// it for exact post-filtering.
func (m *SpatialMaintainer) Coordinates(rt *schema.RecordType, r schema.Record) ([]float64, error) {
	return m.coords(rt, r)
}

// cellEncoder maps coordinates to 64-bit cell ids with spatial locality.
type cellEncoder interface {
	cellID(coords []float64) uint64
	// covering returns the inclusive cell-id bounds of the smallest cell
	// containing the region.
	covering(region Region) (lo, hi uint64)
}

// mortonEncoder interleaves the bits of bounds-normalized coordinates.
type mortonEncoder struct {
	opts schema.SpatialOptions
}

func (e mortonEncoder) normalize(v float64) uint32 {
	min, max := e.opts.MinCoord, e.opts.MaxCoord
	if max <= min {
		min, max = -1<<20, 1<<20
	}
	return normalizeToGrid(v, min, max, e.opts.Level)
}

func (e mortonEncoder) cellID(coords []float64) uint64 {
	if e.opts.Dimensions == 3 {
		// Altitude occupies the high bits above the interleaved 2D id.
		alt := uint64(e.normalize(coords[2])) >> uint(e.opts.Level/2)
		return alt<<(2*uint(e.opts.Level)) |
			interleave2(e.normalize(coords[0]), e.normalize(coords[1]))
	}
	return interleave2(e.normalize(coords[0]), e.normalize(coords[1]))
}

func (e mortonEncoder) covering(region Region) (uint64, uint64) {
	lo := e.cellID(region.Min)
	hi := e.cellID(region.Max)
	return commonCellRange(lo, hi)
}

// hilbertEncoder maps geographic coordinates (lat, lng[, alt]) through a
// Hilbert curve over the lat/lng grid.
type hilbertEncoder struct {
	opts schema.SpatialOptions
}

func (e hilbertEncoder) cellID(coords []float64) uint64 {
	level := e.opts.Level
	x := normalizeToGrid(coords[1], -180, 180, level) // lng
	y := normalizeToGrid(coords[0], -90, 90, level)   // lat
	d := hilbertD(level, x, y)
	if e.opts.Dimensions == 3 {
		min, max := e.opts.MinCoord, e.opts.MaxCoord
		if max <= min {
			min, max = -500, 50_000 // meters; Dead Sea shore to above airliners
		}
		alt := uint64(normalizeToGrid(coords[2], min, max, level)) >> uint(level/2)
		return alt<<(2*uint(level)) | d
	}
	return d
}

func (e hilbertEncoder) covering(region Region) (uint64, uint64) {
	// The Hilbert index of the corners does not bound the box, so cover the
	// box conservatively through the min/max of all the box's corners.
	lo, hi := uint64(math.MaxUint64), uint64(0)
	alts := []float64{0}
	if e.opts.Dimensions == 3 {
		alts = []float64{region.Min[2], region.Max[2]}
	}
	for _, lat := range []float64{region.Min[0], region.Max[0]} {
		for _, lng := range []float64{region.Min[1], region.Max[1]} {
			for _, alt := range alts {
				coords := []float64{lat, lng}
				if e.opts.Dimensions == 3 {
					coords = append(coords, alt)
				}
				d := e.cellID(coords)
				if d < lo {
					lo = d
				}
				if d > hi {
					hi = d
				}
			}
		}
	}
	return commonCellRange(lo, hi)
}

// normalizeToGrid maps v in [min, max] onto the 2^level cell grid.
func normalizeToGrid(v, min, max float64, level int) uint32 {
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	cells := float64(uint64(1) << uint(level))
	n := (v - min) / (max - min) * cells
	if n >= cells {
		n = cells - 1
	}
	return uint32(n)
}

// interleave2 spreads x and y bits into even and odd positions.
func interleave2(x, y uint32) uint64 {
	return spreadBits(x) | spreadBits(y)<<1
}

func spreadBits(v uint32) uint64 {
	x := uint64(v)
	x = (x | x<<16) & 0x0000FFFF0000FFFF
	x = (x | x<<8) & 0x00FF00FF00FF00FF
	x = (x | x<<4) & 0x0F0F0F0F0F0F0F0F
	x = (x | x<<2) & 0x3333333333333333
	x = (x | x<<1) & 0x5555555555555555
	return x
}

// hilbertD converts grid coordinates to the distance along the level-order
// Hilbert curve.
func hilbertD(level int, x, y uint32) uint64 {
	var d uint64
	rx, ry := uint32(0), uint32(0)
	for s := uint32(1) << uint(level-1); s > 0; s >>= 1 {
		if x&s > 0 {
			rx = 1
		} else {
			rx = 0
		}
		if y&s > 0 {
			ry = 1
		} else {
			ry = 0
		}
		d += uint64(s) * uint64(s) * uint64((3*rx)^ry)
		// Rotate the quadrant.
		if ry == 0 {
			if rx == 1 {
				x = s - 1 - x
				y = s - 1 - y
			}
			x, y = y, x
		}
	}
	return d
}

// commonCellRange widens [lo, hi] to the id range of their lowest common
// ancestor cell: the smallest power-of-four-aligned block containing both.
func commonCellRange(lo, hi uint64) (uint64, uint64) {
	if lo > hi {
		lo, hi = hi, lo
	}
	shift := uint(0)
	for lo>>shift != hi>>shift {
		shift += 2
	}
	base := (lo >> shift) << shift
	return base, base | (1<<shift - 1)
}
