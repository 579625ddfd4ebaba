// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package schema

import "github.com/orderedkv/recordlayer/internal/base"

// IndexKind enumerates the maintainer families.
type IndexKind uint8

const (
	IndexValue IndexKind = iota + 1
	IndexCount
	IndexSum
	IndexMin
	IndexMax
	IndexVersion
	IndexRank
	IndexSpatial
	IndexVector
)

func (k IndexKind) String() string {
	switch k {
	case IndexValue:
		return "value"
	case IndexCount:
		return "count"
	case IndexSum:
		return "sum"
	case IndexMin:
		return "min"
	case IndexMax:
		return "max"
	case IndexVersion:
		return "version"
	case IndexRank:
		return "rank"
	case IndexSpatial:
		return "spatial"
	case IndexVector:
		return "vector"
	}
	return "unknown"
}

// SpatialSubkind selects the cell encoding.
type SpatialSubkind uint8

const (
	// SpatialGeographic encodes (lat, lng[, alt]) through Hilbert-curve cells.
	SpatialGeographic SpatialSubkind = iota + 1
	// SpatialCartesian encodes (x, y[, z]) through Morton Z-order.
	SpatialCartesian
)

// SpatialOptions configure a spatial index.
type SpatialOptions struct {
	Subkind    SpatialSubkind
	Dimensions int // 2 or 3
	// Level is the cell subdivision level; higher levels mean finer cells.
	Level int
	// Bounds normalize Cartesian coordinates (and altitude for 3D
	// geographic) into cell space.
	MinCoord, MaxCoord float64
}

// VectorMetric selects the distance function.
type VectorMetric uint8

const (
	MetricL2 VectorMetric = iota + 1
	MetricCosine
	MetricInnerProduct
)

// VectorStrategy selects how nearest-neighbor queries run.
type VectorStrategy uint8

const (
	// StrategyFlatScan answers by exact O(n) scan over stored vectors.
	StrategyFlatScan VectorStrategy = iota + 1
	// StrategyHNSW answers through the HNSW graph, built online.
	StrategyHNSW
)

// VectorOptions configure a vector index.
type VectorOptions struct {
	Dimensions int
	Metric     VectorMetric
	Strategy   VectorStrategy
	// InlineInsert permits graph insertion during save; intended for small
	// sets only, the graph is normally built by the online indexer.
	InlineInsert bool
}

// An IndexDefinition declares one index. For aggregate kinds (count, sum,
// min, max) the last key field path is the aggregated value and the preceding
// paths are the grouping key.
type IndexDefinition struct {
	Name          string
	Kind          IndexKind
	KeyFieldPaths []string
	// RecordTypes restricts the index to the named types; nil means the
	// index applies to every record type declaring all key field paths.
	RecordTypes []string
	Unique      bool
	// GroupingColumns is the grouping arity for aggregates; defaulted to
	// len(KeyFieldPaths)-1 by validation when zero.
	GroupingColumns int
	Spatial         SpatialOptions
	Vector          VectorOptions
	AddedAtVersion  Version
}

// AppliesTo reports whether the index maintains entries for the record type.
func (d *IndexDefinition) AppliesTo(rt *RecordType) bool {
	if d.RecordTypes != nil {
		found := false
		for _, n := range d.RecordTypes {
			if n == rt.Name() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, p := range d.KeyFieldPaths {
		if d.Kind == IndexVector && p == d.VectorFieldPath() {
			if !rt.HasVectorField(p) {
				return false
			}
			continue
		}
		if !rt.HasField(p) {
			return false
		}
	}
	return true
}

// GroupingPaths returns the grouping key paths for aggregate kinds.
func (d *IndexDefinition) GroupingPaths() []string {
	return d.KeyFieldPaths[:d.GroupingColumns]
}

// ValuePath returns the aggregated value path for aggregate kinds.
func (d *IndexDefinition) ValuePath() string {
	return d.KeyFieldPaths[len(d.KeyFieldPaths)-1]
}

// VectorFieldPath returns the embedding path for vector indexes.
func (d *IndexDefinition) VectorFieldPath() string {
	return d.KeyFieldPaths[len(d.KeyFieldPaths)-1]
}

func (d *IndexDefinition) validate() error {
	if d.Name == "" {
		return base.SchemaErrorf("index with empty name")
	}
	if len(d.KeyFieldPaths) == 0 {
		return base.SchemaErrorf("index %q has no key field paths", d.Name)
	}
	switch d.Kind {
	case IndexValue, IndexVersion, IndexRank:
	case IndexCount:
		// Count groups on every key path; there is no aggregated value path.
		if d.GroupingColumns == 0 {
			d.GroupingColumns = len(d.KeyFieldPaths)
		}
	case IndexSum, IndexMin, IndexMax:
		if d.GroupingColumns == 0 {
			d.GroupingColumns = len(d.KeyFieldPaths) - 1
		}
		if d.GroupingColumns != len(d.KeyFieldPaths)-1 {
			return base.SchemaErrorf("index %q: aggregate grouping arity %d does not match key paths",
				d.Name, d.GroupingColumns)
		}
	case IndexSpatial:
		switch d.Spatial.Dimensions {
		case 2, 3:
		default:
			return base.SchemaErrorf("index %q: spatial dimensions must be 2 or 3", d.Name)
		}
		if d.Spatial.Subkind == 0 {
			return base.SchemaErrorf("index %q: spatial subkind unset", d.Name)
		}
		if len(d.KeyFieldPaths) != d.Spatial.Dimensions {
			return base.SchemaErrorf("index %q: %d coordinate paths for %d dimensions",
				d.Name, len(d.KeyFieldPaths), d.Spatial.Dimensions)
		}
		if d.Spatial.Level <= 0 {
			d.Spatial.Level = 16
		}
	case IndexVector:
		if d.Vector.Dimensions <= 0 {
			return base.SchemaErrorf("index %q: vector dimensions unset", d.Name)
		}
		if d.Vector.Metric == 0 {
			d.Vector.Metric = MetricL2
		}
		if d.Vector.Strategy == 0 {
			d.Vector.Strategy = StrategyFlatScan
		}
	default:
		return base.SchemaErrorf("index %q: unknown kind %d", d.Name, d.Kind)
	}
	if d.Unique && d.Kind != IndexValue {
		return base.SchemaErrorf("index %q: unique applies only to value indexes", d.Name)
	}
	return nil
}

// A FormerIndex records a removed index so rebuilt stores never resurrect
// stale entries under its name.
type FormerIndex struct {
	Name             string
	AddedAtVersion   Version
	RemovedAtVersion Version
}
