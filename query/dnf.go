// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package query

// A Conjunction is one DNF term: atoms joined by AND. Atoms that could not
// be reduced to FieldPredicate form (negated starts-with) are kept in
// Residual and can only post-filter.
type Conjunction struct {
	Atoms    []*FieldPredicate
	Residual []Component
}

// Component renders the conjunction back into an evaluable filter.
func (c Conjunction) Component() Component {
	parts := make([]Component, 0, len(c.Atoms)+len(c.Residual))
	for _, a := range c.Atoms {
		parts = append(parts, a)
	}
	parts = append(parts, c.Residual...)
	if len(parts) == 1 {
		return parts[0]
	}
	return And(parts...)
}

// ToDNF normalizes a filter into disjunctive normal form with negation
// pushed onto the atoms. A nil filter yields one empty conjunction (match
// all).
func ToDNF(c Component) []Conjunction {
	if c == nil {
		return []Conjunction{{}}
	}
	return distribute(pushNot(c, false))
}

// pushNot rewrites the tree so that NOT appears only immediately above
// atoms it cannot invert.
func pushNot(c Component, negate bool) Component {
	switch v := c.(type) {
	case *NotComponent:
		return pushNot(v.Child, !negate)
	case *AndComponent:
		children := make([]Component, len(v.Children))
		for i, ch := range v.Children {
			children[i] = pushNot(ch, negate)
		}
		if negate {
			return Or(children...)
		}
		return And(children...)
	case *OrComponent:
		children := make([]Component, len(v.Children))
		for i, ch := range v.Children {
			children[i] = pushNot(ch, negate)
		}
		if negate {
			return And(children...)
		}
		return Or(children...)
	case *FieldPredicate:
		if !negate {
			return v
		}
		if op := v.Op.negated(); op != 0 {
			return &FieldPredicate{Field: v.Field, Op: op, Value: v.Value, Values: v.Values}
		}
		return Not(v)
	default:
		if negate {
			return Not(c)
		}
		return c
	}
}

// distribute applies AND-over-OR distribution, producing the DNF terms.
func distribute(c Component) []Conjunction {
	switch v := c.(type) {
	case *OrComponent:
		var out []Conjunction
		for _, ch := range v.Children {
			out = append(out, distribute(ch)...)
		}
		return out
	case *AndComponent:
		terms := []Conjunction{{}}
		for _, ch := range v.Children {
			sub := distribute(ch)
			next := make([]Conjunction, 0, len(terms)*len(sub))
			for _, t := range terms {
				for _, s := range sub {
					next = append(next, mergeConjunctions(t, s))
				}
			}
			terms = next
		}
		return terms
	case *FieldPredicate:
		return []Conjunction{{Atoms: []*FieldPredicate{v}}}
	default:
		return []Conjunction{{Residual: []Component{c}}}
	}
}

func mergeConjunctions(a, b Conjunction) Conjunction {
	out := Conjunction{
		Atoms:    append(append([]*FieldPredicate(nil), a.Atoms...), b.Atoms...),
		Residual: append(append([]Component(nil), a.Residual...), b.Residual...),
	}
	return out
}
