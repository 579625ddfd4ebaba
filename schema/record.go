// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package schema describes record types, field paths, and index definitions,
// and extracts typed field values from record instances.
//
// There is no reflection: each record type registers an extractor per field
// path at build time, so extraction is a table lookup plus a direct function
// call.
package schema

import (
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/tuple"
)

// A Record is any value a record type knows how to extract fields from.
// Implementations are the host application's own types.
type Record interface {
	// RecordName names the record type this instance belongs to.
	RecordName() string
}

// FieldType constrains what a field extractor may return.
type FieldType uint8

const (
	TypeAny FieldType = iota
	TypeBytes
	TypeString
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeBool
	TypeUUID
	TypeTuple
	TypeVersionstamp
)

// An Extractor returns the typed value of one field of a record. A nil return
// encodes as the null tuple element.
type Extractor func(Record) tuple.TupleElement

// A VectorExtractor returns a record's embedding for a vector index.
type VectorExtractor func(Record) []float32

// Field is one declared field path of a record type.
type Field struct {
	Path    string
	Number  int
	Type    FieldType
	extract Extractor
}

// RecordType is a named schema entity: ordered primary key field paths and
// ordered declared fields with typed field numbers.
type RecordType struct {
	name          string
	fields        []Field
	fieldsByPath  map[string]int
	primaryKey    []string
	vectorFields  map[string]VectorExtractor
}

// NewRecordType starts a record type builder.
func NewRecordType(name string) *RecordTypeBuilder {
	return &RecordTypeBuilder{rt: &RecordType{
		name:         name,
		fieldsByPath: map[string]int{},
		vectorFields: map[string]VectorExtractor{},
	}}
}

// RecordTypeBuilder assembles a RecordType; Build validates it.
type RecordTypeBuilder struct {
	rt  *RecordType
	err error
}

// Field declares the next field path with its extractor. Field numbers are
// assigned in declaration order.
func (b *RecordTypeBuilder) Field(path string, typ FieldType, extract Extractor) *RecordTypeBuilder {
	if b.err != nil {
		return b
	}
	if _, dup := b.rt.fieldsByPath[path]; dup {
		b.err = base.SchemaErrorf("record type %q declares field %q twice", b.rt.name, path)
		return b
	}
	b.rt.fieldsByPath[path] = len(b.rt.fields)
	b.rt.fields = append(b.rt.fields, Field{
		Path:    path,
		Number:  len(b.rt.fields) + 1,
		Type:    typ,
		extract: extract,
	})
	return b
}

// VectorField declares an embedding field usable by vector indexes.
func (b *RecordTypeBuilder) VectorField(path string, extract VectorExtractor) *RecordTypeBuilder {
	if b.err != nil {
		return b
	}
	b.rt.vectorFields[path] = extract
	return b
}

// PrimaryKey declares the ordered primary key field paths.
func (b *RecordTypeBuilder) PrimaryKey(paths ...string) *RecordTypeBuilder {
	if b.err != nil {
		return b
	}
	b.rt.primaryKey = paths
	return b
}

// Build validates and returns the record type.
func (b *RecordTypeBuilder) Build() (*RecordType, error) {
	if b.err != nil {
		return nil, b.err
	}
	rt := b.rt
	if rt.name == "" {
		return nil, base.SchemaErrorf("record type with empty name")
	}
	if len(rt.primaryKey) == 0 {
		return nil, base.SchemaErrorf("record type %q has no primary key", rt.name)
	}
	for _, p := range rt.primaryKey {
		if _, ok := rt.fieldsByPath[p]; !ok {
			return nil, base.SchemaErrorf("record type %q: primary key path %q is not a declared field", rt.name, p)
		}
	}
	return rt, nil
}

// MustBuild is Build for statically-known-good declarations.
func (b *RecordTypeBuilder) MustBuild() *RecordType {
	rt, err := b.Build()
	if err != nil {
		panic(err)
	}
	return rt
}

// Name returns the record type name.
func (rt *RecordType) Name() string { return rt.name }

// PrimaryKeyPaths returns the ordered primary key field paths.
func (rt *RecordType) PrimaryKeyPaths() []string { return rt.primaryKey }

// Fields returns the ordered declared fields.
func (rt *RecordType) Fields() []Field { return rt.fields }

// FieldNumber returns the field number for path.
func (rt *RecordType) FieldNumber(path string) (int, error) {
	i, ok := rt.fieldsByPath[path]
	if !ok {
		return 0, base.SchemaErrorf("record type %q has no field %q", rt.name, path)
	}
	return rt.fields[i].Number, nil
}

// HasField reports whether path is declared.
func (rt *RecordType) HasField(path string) bool {
	_, ok := rt.fieldsByPath[path]
	return ok
}

// FieldType returns the declared type for path, or TypeAny if undeclared.
func (rt *RecordType) FieldType(path string) FieldType {
	if i, ok := rt.fieldsByPath[path]; ok {
		return rt.fields[i].Type
	}
	return TypeAny
}

// Extract returns the ordered values of the given field paths for r. An
// undeclared path is a schema error; a declared path whose extractor returns
// nil yields the null element.
func (rt *RecordType) Extract(r Record, paths ...string) (tuple.Tuple, error) {
	out := make(tuple.Tuple, 0, len(paths))
	for _, p := range paths {
		i, ok := rt.fieldsByPath[p]
		if !ok {
			return nil, base.SchemaErrorf("record type %q has no field %q", rt.name, p)
		}
		out = append(out, rt.fields[i].extract(r))
	}
	return out, nil
}

// PrimaryKey extracts r's primary key tuple.
func (rt *RecordType) PrimaryKey(r Record) (tuple.Tuple, error) {
	return rt.Extract(r, rt.primaryKey...)
}

// ExtractVector returns r's embedding for path, or a schema error if path is
// not a declared vector field.
func (rt *RecordType) ExtractVector(r Record, path string) ([]float32, error) {
	f, ok := rt.vectorFields[path]
	if !ok {
		return nil, base.SchemaErrorf("record type %q has no vector field %q", rt.name, path)
	}
	return f(r), nil
}

// HasVectorField reports whether path is a declared vector field.
func (rt *RecordType) HasVectorField(path string) bool {
	_, ok := rt.vectorFields[path]
	return ok
}
