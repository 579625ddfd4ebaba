// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package schema

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/tuple"
	"github.com/stretchr/testify/require"
)

type user struct {
	ID    int64
	Email string
	Age   int64
}

func (*user) RecordName() string { return "User" }

func userType(t *testing.T) *RecordType {
	t.Helper()
	rt, err := NewRecordType("User").
		Field("id", TypeInt64, func(r Record) tuple.TupleElement { return r.(*user).ID }).
		Field("email", TypeString, func(r Record) tuple.TupleElement { return r.(*user).Email }).
		Field("age", TypeInt64, func(r Record) tuple.TupleElement { return r.(*user).Age }).
		PrimaryKey("id").
		Build()
	require.NoError(t, err)
	return rt
}

func TestExtraction(t *testing.T) {
	rt := userType(t)
	u := &user{ID: 7, Email: "a@example.com", Age: 30}

	pk, err := rt.PrimaryKey(u)
	require.NoError(t, err)
	require.True(t, tuple.Equal(tuple.Tuple{int64(7)}, pk))

	vals, err := rt.Extract(u, "email", "age")
	require.NoError(t, err)
	require.True(t, tuple.Equal(tuple.Tuple{"a@example.com", int64(30)}, vals))

	_, err = rt.Extract(u, "nope")
	require.True(t, errors.Is(err, base.ErrSchema))

	n, err := rt.FieldNumber("age")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestBuilderValidation(t *testing.T) {
	_, err := NewRecordType("X").
		Field("a", TypeInt64, nil).
		PrimaryKey("missing").
		Build()
	require.True(t, errors.Is(err, base.ErrSchema))

	_, err = NewRecordType("X").
		Field("a", TypeInt64, nil).
		Field("a", TypeInt64, nil).
		PrimaryKey("a").
		Build()
	require.True(t, errors.Is(err, base.ErrSchema))
}

func TestSchemaIndexLookup(t *testing.T) {
	rt := userType(t)
	byEmail := &IndexDefinition{Name: "byEmail", Kind: IndexValue, KeyFieldPaths: []string{"email"}}
	countByAge := &IndexDefinition{Name: "countByAge", Kind: IndexCount, KeyFieldPaths: []string{"age"}}
	s, err := NewSchema(V(1, 0, 0)).
		RecordType(rt).
		Index(byEmail).
		Index(countByAge).
		Build()
	require.NoError(t, err)

	defs := s.IndexesFor("User")
	require.Len(t, defs, 2)

	def, err := s.IndexFor("User", []string{"email"}, IndexValue)
	require.NoError(t, err)
	require.Equal(t, "byEmail", def.Name)

	_, err = s.IndexFor("User", []string{"email"}, IndexRank)
	require.True(t, errors.Is(err, base.ErrSchema))

	_, err = s.Index("nope")
	require.True(t, errors.Is(err, base.ErrSchema))
}

func TestAggregateValidation(t *testing.T) {
	rt := userType(t)
	sum := &IndexDefinition{Name: "sumAgeByEmail", Kind: IndexSum, KeyFieldPaths: []string{"email", "age"}}
	s, err := NewSchema(V(1, 0, 0)).RecordType(rt).Index(sum).Build()
	require.NoError(t, err)
	def, _ := s.Index("sumAgeByEmail")
	require.Equal(t, []string{"email"}, def.GroupingPaths())
	require.Equal(t, "age", def.ValuePath())

	bad := &IndexDefinition{Name: "u", Kind: IndexCount, KeyFieldPaths: []string{"age"}, Unique: true}
	_, err = NewSchema(V(1, 0, 0)).RecordType(userType(t)).Index(bad).Build()
	require.True(t, errors.Is(err, base.ErrSchema))
}

func TestIndexAppliesTo(t *testing.T) {
	rt := userType(t)
	universal := &IndexDefinition{Name: "byAge", Kind: IndexValue, KeyFieldPaths: []string{"age"}}
	require.True(t, universal.AppliesTo(rt))

	scoped := &IndexDefinition{Name: "other", Kind: IndexValue, KeyFieldPaths: []string{"age"}, RecordTypes: []string{"Order"}}
	require.False(t, scoped.AppliesTo(rt))

	missingField := &IndexDefinition{Name: "m", Kind: IndexValue, KeyFieldPaths: []string{"city"}}
	require.False(t, missingField.AppliesTo(rt))
}

func TestStateMachine(t *testing.T) {
	require.True(t, StateDisabled.CanTransition(StateWriteOnly))
	require.True(t, StateWriteOnly.CanTransition(StateReadable))
	require.True(t, StateReadable.CanTransition(StateDisabled))
	require.False(t, StateDisabled.CanTransition(StateReadable))

	require.False(t, StateWriteOnly.Queryable())
	require.True(t, StateWriteOnly.Maintained())
	require.False(t, StateDisabled.Maintained())
	require.True(t, StateReadable.Queryable())
}

func TestVersion(t *testing.T) {
	require.True(t, V(1, 2, 3).Less(V(2, 0, 0)))
	require.True(t, V(1, 2, 3).Less(V(1, 3, 0)))
	require.Equal(t, 0, V(1, 2, 3).Compare(V(1, 2, 3)))

	v, err := VersionFromTuple(V(4, 5, 6).Tuple())
	require.NoError(t, err)
	require.Equal(t, V(4, 5, 6), v)

	_, err = VersionFromTuple(tuple.Tuple{"x"})
	require.Error(t, err)
}

func TestFormerIndexCollision(t *testing.T) {
	rt := userType(t)
	def := &IndexDefinition{Name: "byEmail", Kind: IndexValue, KeyFieldPaths: []string{"email"}}
	_, err := NewSchema(V(2, 0, 0)).
		RecordType(rt).
		Index(def).
		FormerIndex(&FormerIndex{Name: "byEmail", AddedAtVersion: V(1, 0, 0), RemovedAtVersion: V(1, 5, 0)}).
		Build()
	require.True(t, errors.Is(err, base.ErrSchema))
}
