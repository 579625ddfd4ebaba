// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package query

import (
	"fmt"
	"strings"

	"github.com/orderedkv/recordlayer/index"
	"github.com/orderedkv/recordlayer/tuple"
)

// A Plan is an executable query tree node. The record store executes plans;
// the planner only builds and costs them.
type Plan interface {
	// Describe renders the plan deterministically; equal plans describe
	// equally, and the planner hashes descriptions to break cost ties.
	Describe() string
}

// ScanBounds describe the bound portion of an index scan: an equality prefix
// over the leading columns, then at most one window or string-prefix bound
// on the next column.
type ScanBounds struct {
	// Prefix holds the equality-bound leading column values.
	Prefix tuple.Tuple
	// Lo/Hi bound the next column; nil means unbounded on that side.
	Lo, Hi                   tuple.TupleElement
	LoInclusive, HiInclusive bool
	// MatchPrefix, when set, restricts the next string column to values with
	// this prefix (the starts-with operator). Exclusive with Lo/Hi.
	MatchPrefix string
	hasLo, hasHi bool
}

// HasLo reports whether a low bound is set (nil is a valid bound value).
func (b ScanBounds) HasLo() bool { return b.hasLo }

// HasHi reports whether a high bound is set.
func (b ScanBounds) HasHi() bool { return b.hasHi }

func (b ScanBounds) describe() string {
	var sb strings.Builder
	sb.WriteString(b.Prefix.String())
	if b.MatchPrefix != "" {
		fmt.Fprintf(&sb, " prefix=%q", b.MatchPrefix)
	}
	if b.hasLo {
		op := ">"
		if b.LoInclusive {
			op = ">="
		}
		fmt.Fprintf(&sb, " lo%s%s", op, tuple.Tuple{b.Lo})
	}
	if b.hasHi {
		op := "<"
		if b.HiInclusive {
			op = "<="
		}
		fmt.Fprintf(&sb, " hi%s%s", op, tuple.Tuple{b.Hi})
	}
	return sb.String()
}

// FullScanPlan scans the record type's primary storage.
type FullScanPlan struct {
	RecordType string
}

// Describe implements Plan.
func (p *FullScanPlan) Describe() string {
	return fmt.Sprintf("FullScan(%s)", p.RecordType)
}

// IndexScanPlan scans one readable value index over the bound range and
// resolves entries to records.
type IndexScanPlan struct {
	RecordType string
	IndexName  string
	// Columns is the index's total key column count, used to split entry
	// keys into indexed values and primary key.
	Columns int
	Bounds  ScanBounds
	Reverse bool
}

// Describe implements Plan.
func (p *IndexScanPlan) Describe() string {
	dir := ""
	if p.Reverse {
		dir = " reverse"
	}
	return fmt.Sprintf("IndexScan(%s on %s, %s%s)", p.IndexName, p.RecordType, p.Bounds.describe(), dir)
}

// FilterPlan applies a residual predicate to its child's records.
type FilterPlan struct {
	Child     Plan
	Predicate Component
}

// Describe implements Plan.
func (p *FilterPlan) Describe() string {
	return fmt.Sprintf("Filter(%s, %s)", p.Child.Describe(), Describe(p.Predicate))
}

// LimitPlan truncates its child's stream after N records.
type LimitPlan struct {
	Child Plan
	N     int
}

// Describe implements Plan.
func (p *LimitPlan) Describe() string {
	return fmt.Sprintf("Limit(%s, %d)", p.Child.Describe(), p.N)
}

// UnionPlan streams its children in order, dropping records already yielded
// by an earlier child (DNF terms may overlap).
type UnionPlan struct {
	Children []Plan
}

// Describe implements Plan.
func (p *UnionPlan) Describe() string {
	parts := make([]string, len(p.Children))
	for i, c := range p.Children {
		parts[i] = c.Describe()
	}
	return fmt.Sprintf("Union(%s)", strings.Join(parts, ", "))
}

// InJoinPlan runs one sub-scan per IN element and concatenates, dropping
// duplicate primary keys.
type InJoinPlan struct {
	Children []Plan
}

// Describe implements Plan.
func (p *InJoinPlan) Describe() string {
	parts := make([]string, len(p.Children))
	for i, c := range p.Children {
		parts[i] = c.Describe()
	}
	return fmt.Sprintf("InJoin(%s)", strings.Join(parts, ", "))
}

// VectorSearchPlan answers k-nearest-neighbors through a vector index, then
// post-filters.
type VectorSearchPlan struct {
	RecordType string
	IndexName  string
	Query      []float32
	K          int
	Ef         int
	PostFilter Component
}

// Describe implements Plan.
func (p *VectorSearchPlan) Describe() string {
	s := fmt.Sprintf("VectorSearch(%s on %s, k=%d)", p.IndexName, p.RecordType, p.K)
	if p.PostFilter != nil {
		s += " post=" + Describe(p.PostFilter)
	}
	return s
}

// SpatialScanPlan scans a spatial index's covering cell range and
// post-filters exact coordinates.
type SpatialScanPlan struct {
	RecordType string
	IndexName  string
	Region     index.Region
	PostFilter Component
}

// Describe implements Plan.
func (p *SpatialScanPlan) Describe() string {
	return fmt.Sprintf("SpatialScan(%s on %s, min=%v max=%v)", p.IndexName, p.RecordType,
		p.Region.Min, p.Region.Max)
}
