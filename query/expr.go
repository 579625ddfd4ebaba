// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package query implements the filter language, the cost-based planner, and
// the streaming plan tree the record store executes.
package query

import (
	"strings"

	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/tuple"
)

// Comparison is a predicate operator on one field.
type Comparison uint8

const (
	Equals Comparison = iota + 1
	NotEquals
	LessThan
	LessOrEqual
	GreaterThan
	GreaterOrEqual
	StartsWith
	In
	NotIn
)

func (c Comparison) String() string {
	switch c {
	case Equals:
		return "="
	case NotEquals:
		return "!="
	case LessThan:
		return "<"
	case LessOrEqual:
		return "<="
	case GreaterThan:
		return ">"
	case GreaterOrEqual:
		return ">="
	case StartsWith:
		return "starts-with"
	case In:
		return "in"
	case NotIn:
		return "not-in"
	}
	return "?"
}

// negated returns the operator of NOT(field op value).
func (c Comparison) negated() Comparison {
	switch c {
	case Equals:
		return NotEquals
	case NotEquals:
		return Equals
	case LessThan:
		return GreaterOrEqual
	case LessOrEqual:
		return GreaterThan
	case GreaterThan:
		return LessOrEqual
	case GreaterOrEqual:
		return LessThan
	case In:
		return NotIn
	case NotIn:
		return In
	}
	// StartsWith has no dual; the caller keeps it under an explicit Not.
	return 0
}

// A Component is a filter expression node.
type Component interface {
	// Eval applies the filter to a record.
	Eval(rt *schema.RecordType, r schema.Record) (bool, error)
	describe(sb *strings.Builder)
}

// Describe renders a component for plan hashing and diagnostics.
func Describe(c Component) string {
	var sb strings.Builder
	c.describe(&sb)
	return sb.String()
}

// FieldPredicate is an atom: field op operand. In/NotIn use Values; every
// other operator uses Value.
type FieldPredicate struct {
	Field  string
	Op     Comparison
	Value  tuple.TupleElement
	Values []tuple.TupleElement
}

// fieldBuilder builds atoms fluently: F("city").Equals("T").
type fieldBuilder struct{ name string }

// F starts an atom on the named field path.
func F(name string) fieldBuilder { return fieldBuilder{name: name} }

func (f fieldBuilder) Equals(v tuple.TupleElement) *FieldPredicate {
	return &FieldPredicate{Field: f.name, Op: Equals, Value: v}
}
func (f fieldBuilder) NotEquals(v tuple.TupleElement) *FieldPredicate {
	return &FieldPredicate{Field: f.name, Op: NotEquals, Value: v}
}
func (f fieldBuilder) LessThan(v tuple.TupleElement) *FieldPredicate {
	return &FieldPredicate{Field: f.name, Op: LessThan, Value: v}
}
func (f fieldBuilder) LessOrEqual(v tuple.TupleElement) *FieldPredicate {
	return &FieldPredicate{Field: f.name, Op: LessOrEqual, Value: v}
}
func (f fieldBuilder) GreaterThan(v tuple.TupleElement) *FieldPredicate {
	return &FieldPredicate{Field: f.name, Op: GreaterThan, Value: v}
}
func (f fieldBuilder) GreaterOrEqual(v tuple.TupleElement) *FieldPredicate {
	return &FieldPredicate{Field: f.name, Op: GreaterOrEqual, Value: v}
}
func (f fieldBuilder) StartsWith(prefix string) *FieldPredicate {
	return &FieldPredicate{Field: f.name, Op: StartsWith, Value: prefix}
}
func (f fieldBuilder) In(vs ...tuple.TupleElement) *FieldPredicate {
	return &FieldPredicate{Field: f.name, Op: In, Values: vs}
}

// Eval implements Component.
func (p *FieldPredicate) Eval(rt *schema.RecordType, r schema.Record) (bool, error) {
	vals, err := rt.Extract(r, p.Field)
	if err != nil {
		return false, err
	}
	got := vals[0]
	switch p.Op {
	case Equals:
		return compareElements(got, p.Value) == 0, nil
	case NotEquals:
		return compareElements(got, p.Value) != 0, nil
	case LessThan:
		return compareElements(got, p.Value) < 0, nil
	case LessOrEqual:
		return compareElements(got, p.Value) <= 0, nil
	case GreaterThan:
		return compareElements(got, p.Value) > 0, nil
	case GreaterOrEqual:
		return compareElements(got, p.Value) >= 0, nil
	case StartsWith:
		s, ok1 := got.(string)
		prefix, ok2 := p.Value.(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		return strings.HasPrefix(s, prefix), nil
	case In:
		for _, v := range p.Values {
			if compareElements(got, v) == 0 {
				return true, nil
			}
		}
		return false, nil
	case NotIn:
		for _, v := range p.Values {
			if compareElements(got, v) == 0 {
				return false, nil
			}
		}
		return true, nil
	}
	return false, base.SchemaErrorf("unknown comparison %d", p.Op)
}

func (p *FieldPredicate) describe(sb *strings.Builder) {
	sb.WriteString(p.Field)
	sb.WriteByte(' ')
	sb.WriteString(p.Op.String())
	sb.WriteByte(' ')
	if p.Op == In || p.Op == NotIn {
		sb.WriteString(tuple.Tuple(p.Values).String())
	} else {
		sb.WriteString(tuple.Tuple{p.Value}.String())
	}
}

// compareElements orders two single elements by tuple semantics.
func compareElements(a, b tuple.TupleElement) int {
	return tuple.Compare(tuple.Tuple{a}, tuple.Tuple{b})
}

// AndComponent is a conjunction.
type AndComponent struct{ Children []Component }

// And builds a conjunction.
func And(children ...Component) *AndComponent { return &AndComponent{Children: children} }

// Eval implements Component.
func (a *AndComponent) Eval(rt *schema.RecordType, r schema.Record) (bool, error) {
	for _, c := range a.Children {
		ok, err := c.Eval(rt, r)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (a *AndComponent) describe(sb *strings.Builder) {
	sb.WriteString("(and")
	for _, c := range a.Children {
		sb.WriteByte(' ')
		c.describe(sb)
	}
	sb.WriteByte(')')
}

// OrComponent is a disjunction.
type OrComponent struct{ Children []Component }

// Or builds a disjunction.
func Or(children ...Component) *OrComponent { return &OrComponent{Children: children} }

// Eval implements Component.
func (o *OrComponent) Eval(rt *schema.RecordType, r schema.Record) (bool, error) {
	for _, c := range o.Children {
		ok, err := c.Eval(rt, r)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (o *OrComponent) describe(sb *strings.Builder) {
	sb.WriteString("(or")
	for _, c := range o.Children {
		sb.WriteByte(' ')
		c.describe(sb)
	}
	sb.WriteByte(')')
}

// NotComponent is a negation.
type NotComponent struct{ Child Component }

// Not builds a negation.
func Not(child Component) *NotComponent { return &NotComponent{Child: child} }

// Eval implements Component.
func (n *NotComponent) Eval(rt *schema.RecordType, r schema.Record) (bool, error) {
	ok, err := n.Child.Eval(rt, r)
	return !ok, err
}

func (n *NotComponent) describe(sb *strings.Builder) {
	sb.WriteString("(not ")
	n.Child.describe(sb)
	sb.WriteByte(')')
}
