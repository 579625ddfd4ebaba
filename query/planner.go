// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package query

import (
	"hash/fnv"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/index"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/stats"
	"github.com/orderedkv/recordlayer/tuple"
)

// A Query names target records and how to narrow them.
type Query struct {
	RecordType string
	Filter     Component
	Sort       *Sort
	Limit      int

	// Nearest switches the query to k-nearest-neighbor execution over the
	// vector index on the named field; Filter becomes a post-filter.
	Nearest *VectorClause
	// Within switches the query to a spatial region scan over the spatial
	// index on the named coordinate fields.
	Within *SpatialClause
}

// Sort requests result ordering by one field.
type Sort struct {
	Field   string
	Reverse bool
}

// VectorClause is a k-NN request.
type VectorClause struct {
	FieldPath string
	Query     []float32
	K         int
	Ef        int
}

// SpatialClause is a region request.
type SpatialClause struct {
	FieldPaths []string
	Region     index.Region
}

// A Planner chooses the cheapest plan for a query against one schema.
type Planner struct {
	Schema *schema.Schema
	// State reports an index's persisted state at planning time.
	State func(indexName string) schema.IndexState
	// Stats serves histograms; nil disables histogram costing.
	Stats stats.Provider
	// EstimatedRows is the cardinality guess for a record type with no
	// histogram; defaulted when zero.
	EstimatedRows float64
}

const defaultEstimatedRows = 1000

// Plan builds the minimum-cost plan. Every returned plan yields exactly the
// records FullScan+Filter would (deduplicated across DNF terms), respecting
// Sort when set.
func (p *Planner) Plan(q Query) (Plan, error) {
	rt, err := p.Schema.RecordType(q.RecordType)
	if err != nil {
		return nil, err
	}
	if q.Nearest != nil {
		return p.planVector(q, rt)
	}
	if q.Within != nil {
		return p.planSpatial(q, rt)
	}

	terms := ToDNF(q.Filter)
	plans := make([]Plan, 0, len(terms))
	for _, term := range terms {
		plan, err := p.planConjunction(q, rt, term)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	var out Plan
	if len(plans) == 1 {
		out = plans[0]
	} else {
		out = &UnionPlan{Children: plans}
	}
	if q.Limit > 0 {
		out = &LimitPlan{Child: out, N: q.Limit}
	}
	return out, nil
}

type candidatePlan struct {
	plan Plan
	cost float64
}

// planConjunction picks the cheapest access path for one DNF term.
func (p *Planner) planConjunction(q Query, rt *schema.RecordType, term Conjunction) (Plan, error) {
	var candidates []candidatePlan

	if full, ok := p.fullScanCandidate(q, rt, term); ok {
		candidates = append(candidates, full)
	}
	for _, def := range p.Schema.IndexesFor(rt.Name()) {
		if def.Kind != schema.IndexValue || !p.readable(def.Name) {
			continue
		}
		if c, ok := p.indexCandidate(q, def, term); ok {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, errors.Mark(
			errors.Newf("no plan for %q: requested sort has no supporting readable index", rt.Name()),
			base.ErrIndexNotReadable)
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.cost < best.cost ||
			(c.cost == best.cost && planHash(c.plan) < planHash(best.plan)) {
			best = c
		}
	}
	return best.plan, nil
}

func (p *Planner) readable(indexName string) bool {
	return p.State != nil && p.State(indexName).Queryable()
}

func (p *Planner) estimatedRows() float64 {
	if p.EstimatedRows > 0 {
		return p.EstimatedRows
	}
	return defaultEstimatedRows
}

func (p *Planner) histogram(indexName string) *stats.Histogram {
	if p.Stats == nil {
		return nil
	}
	return p.Stats.HistogramFor(indexName)
}

func (p *Planner) fullScanCandidate(q Query, rt *schema.RecordType, term Conjunction) (candidatePlan, bool) {
	// A full scan streams in primary key order; it satisfies a sort only on
	// the leading primary key field.
	if q.Sort != nil && q.Sort.Field != rt.PrimaryKeyPaths()[0] {
		return candidatePlan{}, false
	}
	n := p.estimatedRows()
	var plan Plan = &FullScanPlan{RecordType: rt.Name()}
	if pred := term.Component(); pred != nil && (len(term.Atoms) > 0 || len(term.Residual) > 0) {
		plan = &FilterPlan{Child: plan, Predicate: pred}
	}
	cost := stats.FallbackFull*n + filterCost(n, len(term.Atoms)+len(term.Residual))
	return candidatePlan{plan: plan, cost: cost}, true
}

// indexCandidate tries to bind term's atoms to def's leading key columns.
// Binding consumes equality atoms column by column and stops at the first
// column bound by a range, a starts-with, or an IN (which expands into an
// in-join); everything unconsumed post-filters.
func (p *Planner) indexCandidate(
	q Query, def *schema.IndexDefinition, term Conjunction,
) (candidatePlan, bool) {
	used := make([]bool, len(term.Atoms))
	bounds := ScanBounds{}
	selectivity := 1.0
	hist := p.histogram(def.Name)
	var inAtom *FieldPredicate

	columns := def.KeyFieldPaths
	col := 0
bind:
	for ; col < len(columns); col++ {
		// Equality binds the column and continues to the next.
		if i := findAtom(term.Atoms, used, columns[col], Equals); i >= 0 {
			used[i] = true
			bounds.Prefix = append(bounds.Prefix, term.Atoms[i].Value)
			selectivity *= p.equalitySelectivity(hist, col, term.Atoms[i].Value)
			continue
		}
		// IN on the next column expands to an in-join of equality scans.
		if i := findAtom(term.Atoms, used, columns[col], In); i >= 0 {
			used[i] = true
			inAtom = term.Atoms[i]
			selectivity *= float64(len(inAtom.Values)) * p.equalitySelectivity(hist, col, nil)
			col++
			break bind
		}
		// A range window or prefix match binds this column and stops.
		ranged := false
		for i, a := range term.Atoms {
			if used[i] || a.Field != columns[col] {
				continue
			}
			switch a.Op {
			case LessThan, LessOrEqual:
				if tightenHi(&bounds, a) {
					used[i] = true
					ranged = true
				}
			case GreaterThan, GreaterOrEqual:
				if tightenLo(&bounds, a) {
					used[i] = true
					ranged = true
				}
			case StartsWith:
				if bounds.MatchPrefix == "" && !bounds.hasLo && !bounds.hasHi {
					if s, ok := a.Value.(string); ok {
						bounds.MatchPrefix = s
						used[i] = true
						ranged = true
					}
				}
			}
		}
		if ranged {
			selectivity *= p.rangeSelectivity(hist, col, bounds)
			col++
		}
		break bind
	}
	if col == 0 && q.Sort == nil {
		// Nothing bound: an unfiltered index scan is never better than the
		// primary scan.
		return candidatePlan{}, false
	}

	// Sort satisfaction: the sort field must be equality-bound (trivially
	// ordered) or be the first column after the equality prefix.
	if q.Sort != nil {
		pos := -1
		for i, c := range columns {
			if c == q.Sort.Field {
				pos = i
				break
			}
		}
		eqPrefix := len(bounds.Prefix)
		if pos < 0 || (pos > eqPrefix) || inAtom != nil {
			return candidatePlan{}, false
		}
	}

	post := Conjunction{Residual: term.Residual}
	for i, a := range term.Atoms {
		if !used[i] {
			post.Atoms = append(post.Atoms, a)
		}
	}

	n := p.estimatedRows()
	cost := selectivity*n + filterCost(selectivity*n, len(post.Atoms)+len(post.Residual))
	// Prefer the narrower index when costs otherwise tie.
	cost += 0.001 * float64(len(def.KeyFieldPaths))

	build := func(prefix tuple.Tuple) Plan {
		b := bounds
		b.Prefix = prefix
		var plan Plan = &IndexScanPlan{
			RecordType: q.RecordType,
			IndexName:  def.Name,
			Columns:    len(def.KeyFieldPaths),
			Bounds:     b,
			Reverse:    q.Sort != nil && q.Sort.Reverse,
		}
		if len(post.Atoms) > 0 || len(post.Residual) > 0 {
			plan = &FilterPlan{Child: plan, Predicate: post.Component()}
		}
		return plan
	}

	if inAtom != nil {
		children := make([]Plan, len(inAtom.Values))
		for i, v := range inAtom.Values {
			children[i] = build(append(append(tuple.Tuple{}, bounds.Prefix...), v))
		}
		return candidatePlan{plan: &InJoinPlan{Children: children}, cost: cost}, true
	}
	return candidatePlan{plan: build(bounds.Prefix), cost: cost}, true
}

func (p *Planner) equalitySelectivity(hist *stats.Histogram, col int, v tuple.TupleElement) float64 {
	if col == 0 && hist != nil && v != nil {
		return hist.EstimateEquals(tuple.Tuple{v})
	}
	return stats.FallbackEquality
}

func (p *Planner) rangeSelectivity(hist *stats.Histogram, col int, b ScanBounds) float64 {
	if col == 0 && hist != nil {
		var lo, hi tuple.Tuple
		if b.hasLo {
			lo = tuple.Tuple{b.Lo}
		}
		if b.hasHi {
			hi = tuple.Tuple{b.Hi}
		}
		if b.MatchPrefix != "" {
			lo, hi = tuple.Tuple{b.MatchPrefix}, nil
		}
		return hist.EstimateRange(lo, hi)
	}
	return stats.FallbackRange
}

func filterCost(rows float64, atoms int) float64 {
	return rows * 0.01 * float64(atoms)
}

func findAtom(atoms []*FieldPredicate, used []bool, field string, op Comparison) int {
	for i, a := range atoms {
		if !used[i] && a.Field == field && a.Op == op {
			return i
		}
	}
	return -1
}

// tightenHi merges an upper-bound atom into the window, keeping the tighter
// bound.
func tightenHi(b *ScanBounds, a *FieldPredicate) bool {
	inclusive := a.Op == LessOrEqual
	if b.MatchPrefix != "" {
		return false
	}
	if !b.hasHi {
		b.Hi, b.HiInclusive, b.hasHi = a.Value, inclusive, true
		return true
	}
	c := compareElements(a.Value, b.Hi)
	if c < 0 || (c == 0 && !inclusive) {
		b.Hi, b.HiInclusive = a.Value, inclusive
	}
	return true
}

// tightenLo merges a lower-bound atom into the window.
func tightenLo(b *ScanBounds, a *FieldPredicate) bool {
	inclusive := a.Op == GreaterOrEqual
	if b.MatchPrefix != "" {
		return false
	}
	if !b.hasLo {
		b.Lo, b.LoInclusive, b.hasLo = a.Value, inclusive, true
		return true
	}
	c := compareElements(a.Value, b.Lo)
	if c > 0 || (c == 0 && !inclusive) {
		b.Lo, b.LoInclusive = a.Value, inclusive
	}
	return true
}

func (p *Planner) planVector(q Query, rt *schema.RecordType) (Plan, error) {
	def, err := p.Schema.IndexFor(rt.Name(), []string{q.Nearest.FieldPath}, schema.IndexVector)
	if err != nil {
		return nil, err
	}
	if !p.readable(def.Name) {
		return nil, errors.Mark(
			errors.Newf("vector index %q is not readable; build it first", def.Name),
			base.ErrIndexNotReadable)
	}
	k := q.Nearest.K
	if q.Limit > 0 && q.Limit < k {
		k = q.Limit
	}
	return &VectorSearchPlan{
		RecordType: rt.Name(),
		IndexName:  def.Name,
		Query:      q.Nearest.Query,
		K:          k,
		Ef:         q.Nearest.Ef,
		PostFilter: q.Filter,
	}, nil
}

func (p *Planner) planSpatial(q Query, rt *schema.RecordType) (Plan, error) {
	def, err := p.Schema.IndexFor(rt.Name(), q.Within.FieldPaths, schema.IndexSpatial)
	if err != nil {
		return nil, err
	}
	if !p.readable(def.Name) {
		return nil, errors.Mark(
			errors.Newf("spatial index %q is not readable; build it first", def.Name),
			base.ErrIndexNotReadable)
	}
	var plan Plan = &SpatialScanPlan{
		RecordType: rt.Name(),
		IndexName:  def.Name,
		Region:     q.Within.Region,
		PostFilter: q.Filter,
	}
	if q.Limit > 0 {
		plan = &LimitPlan{Child: plan, N: q.Limit}
	}
	return plan, nil
}

func planHash(p Plan) uint64 {
	h := fnv.New64a()
	h.Write([]byte(p.Describe()))
	return h.Sum64()
}
