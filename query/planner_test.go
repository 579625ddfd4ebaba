// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package query

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/stats"
	"github.com/orderedkv/recordlayer/tuple"
	"github.com/stretchr/testify/require"
)

// planner_test schema: Order records with value indexes byCity(city),
// byCityAge(city, age) and byName(name); byName stays writeOnly to exercise
// the readability gate.
func plannerSchema(t testing.TB) *schema.Schema {
	t.Helper()
	rt, err := schema.NewRecordType("Order").
		Field("id", schema.TypeInt64, func(r schema.Record) tuple.TupleElement { return nil }).
		Field("city", schema.TypeString, func(r schema.Record) tuple.TupleElement { return nil }).
		Field("age", schema.TypeInt64, func(r schema.Record) tuple.TupleElement { return nil }).
		Field("name", schema.TypeString, func(r schema.Record) tuple.TupleElement { return nil }).
		PrimaryKey("id").
		Build()
	require.NoError(t, err)
	s, err := schema.NewSchema(schema.V(1, 0, 0)).
		RecordType(rt).
		Index(&schema.IndexDefinition{Name: "byCity", Kind: schema.IndexValue, KeyFieldPaths: []string{"city"}}).
		Index(&schema.IndexDefinition{Name: "byCityAge", Kind: schema.IndexValue, KeyFieldPaths: []string{"city", "age"}}).
		Index(&schema.IndexDefinition{Name: "byName", Kind: schema.IndexValue, KeyFieldPaths: []string{"name"}}).
		Build()
	require.NoError(t, err)
	return s
}

type fixedStats map[string]*stats.Histogram

func (f fixedStats) HistogramFor(name string) *stats.Histogram { return f[name] }

// cityHistogram: 1000 rows, "T" holding 100 of them.
func cityHistogram() *stats.Histogram {
	b := stats.NewBuilder(1.0, 8)
	for _, city := range []string{"A", "B", "C", "D", "E", "F", "G", "H", "I"} {
		for i := 0; i < 100; i++ {
			b.Offer(tuple.Tuple{city})
		}
	}
	for i := 0; i < 100; i++ {
		b.Offer(tuple.Tuple{"T"})
	}
	return b.Build()
}

func testPlanner(t testing.TB) *Planner {
	hist := cityHistogram()
	return &Planner{
		Schema: plannerSchema(t),
		State: func(name string) schema.IndexState {
			if name == "byName" {
				return schema.StateWriteOnly
			}
			return schema.StateReadable
		},
		Stats: fixedStats{"byCity": hist, "byCityAge": hist},
	}
}

func TestPlannerDataDriven(t *testing.T) {
	p := testPlanner(t)
	datadriven.RunTest(t, "testdata/planner", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "plan":
			q := Query{RecordType: "Order"}
			var err error
			q.Filter, err = parseFilter(td.Input)
			if err != nil {
				return fmt.Sprintf("parse error: %v", err)
			}
			for _, arg := range td.CmdArgs {
				switch arg.Key {
				case "sort":
					q.Sort = &Sort{Field: arg.Vals[0]}
				case "desc":
					q.Sort.Reverse = true
				case "limit":
					n, _ := strconv.Atoi(arg.Vals[0])
					q.Limit = n
				}
			}
			plan, err := p.Plan(q)
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			return plan.Describe()
		default:
			td.Fatalf(t, "unknown command %q", td.Cmd)
			return ""
		}
	})
}

// parseFilter reads the tiny test DSL: one atom per line as
// "field op value", lines AND-ed together, with a bare "or" line separating
// disjunct groups. Values are quoted strings or integers; in-lists are
// parenthesized and comma-separated.
func parseFilter(input string) (Component, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}
	var groups []Component
	var atoms []Component
	flush := func() {
		switch len(atoms) {
		case 0:
		case 1:
			groups = append(groups, atoms[0])
		default:
			groups = append(groups, And(atoms...))
		}
		atoms = nil
	}
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "or" {
			flush()
			continue
		}
		atom, err := parseAtom(line)
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, atom)
	}
	flush()
	if len(groups) == 1 {
		return groups[0], nil
	}
	return Or(groups...), nil
}

func parseAtom(line string) (Component, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed atom %q", line)
	}
	name, op, raw := fields[0], fields[1], strings.TrimSpace(fields[2])
	if op == "in" {
		raw = strings.TrimPrefix(strings.TrimSuffix(raw, ")"), "(")
		var vs []tuple.TupleElement
		for _, part := range strings.Split(raw, ",") {
			v, err := parseValue(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			vs = append(vs, v)
		}
		return F(name).In(vs...), nil
	}
	v, err := parseValue(raw)
	if err != nil {
		return nil, err
	}
	switch op {
	case "=":
		return F(name).Equals(v), nil
	case "!=":
		return F(name).NotEquals(v), nil
	case "<":
		return F(name).LessThan(v), nil
	case "<=":
		return F(name).LessOrEqual(v), nil
	case ">":
		return F(name).GreaterThan(v), nil
	case ">=":
		return F(name).GreaterOrEqual(v), nil
	case "prefix":
		return F(name).StartsWith(v.(string)), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func parseValue(raw string) (tuple.TupleElement, error) {
	if strings.HasPrefix(raw, `"`) {
		return strconv.Unquote(raw)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad value %q", raw)
	}
	return n, nil
}

func TestPlannerSortSupport(t *testing.T) {
	p := testPlanner(t)

	// Sort on age with city equality: the compound index delivers the order.
	plan, err := p.Plan(Query{
		RecordType: "Order",
		Filter:     F("city").Equals("T"),
		Sort:       &Sort{Field: "age"},
	})
	require.NoError(t, err)
	require.Contains(t, plan.Describe(), "byCityAge")

	// Sort on an unindexable order fails loudly rather than re-sorting in
	// memory.
	_, err = p.Plan(Query{RecordType: "Order", Sort: &Sort{Field: "name"}})
	require.Error(t, err)

	// Sort by the leading primary key field is served by the full scan.
	plan, err = p.Plan(Query{RecordType: "Order", Sort: &Sort{Field: "id"}})
	require.NoError(t, err)
	require.Equal(t, "FullScan(Order)", plan.Describe())
}

func TestPlannerDeterministic(t *testing.T) {
	p := testPlanner(t)
	q := Query{
		RecordType: "Order",
		Filter: And(F("city").Equals("T"),
			F("age").GreaterOrEqual(int64(25)), F("age").LessOrEqual(int64(35))),
	}
	first, err := p.Plan(q)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := p.Plan(q)
		require.NoError(t, err)
		require.Equal(t, first.Describe(), again.Describe())
	}
}
