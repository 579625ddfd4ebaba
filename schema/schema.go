// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package schema

import (
	"sort"

	"github.com/orderedkv/recordlayer/internal/base"
)

// A Schema is an immutable set of record types and indexes at a semantic
// version. A record store handle binds one schema for its lifetime.
type Schema struct {
	version     Version
	recordTypes map[string]*RecordType
	indexes     map[string]*IndexDefinition
	former      map[string]*FormerIndex

	// indexesByType caches the applicable index list per record type.
	indexesByType map[string][]*IndexDefinition
}

// NewSchema starts a schema builder at the given version.
func NewSchema(version Version) *SchemaBuilder {
	return &SchemaBuilder{s: &Schema{
		version:     version,
		recordTypes: map[string]*RecordType{},
		indexes:     map[string]*IndexDefinition{},
		former:      map[string]*FormerIndex{},
	}}
}

// SchemaBuilder assembles a Schema; Build validates it.
type SchemaBuilder struct {
	s   *Schema
	err error
}

// RecordType adds a record type.
func (b *SchemaBuilder) RecordType(rt *RecordType) *SchemaBuilder {
	if b.err != nil {
		return b
	}
	if _, dup := b.s.recordTypes[rt.Name()]; dup {
		b.err = base.SchemaErrorf("schema declares record type %q twice", rt.Name())
		return b
	}
	b.s.recordTypes[rt.Name()] = rt
	return b
}

// Index adds an index definition.
func (b *SchemaBuilder) Index(def *IndexDefinition) *SchemaBuilder {
	if b.err != nil {
		return b
	}
	if _, dup := b.s.indexes[def.Name]; dup {
		b.err = base.SchemaErrorf("schema declares index %q twice", def.Name)
		return b
	}
	b.s.indexes[def.Name] = def
	return b
}

// FormerIndex records a removed index.
func (b *SchemaBuilder) FormerIndex(f *FormerIndex) *SchemaBuilder {
	if b.err != nil {
		return b
	}
	b.s.former[f.Name] = f
	return b
}

// Build validates every definition and freezes the schema.
func (b *SchemaBuilder) Build() (*Schema, error) {
	if b.err != nil {
		return nil, b.err
	}
	s := b.s
	for _, def := range s.indexes {
		if err := def.validate(); err != nil {
			return nil, err
		}
		if former, ok := s.former[def.Name]; ok {
			return nil, base.SchemaErrorf("index %q collides with former index removed at %s",
				def.Name, former.RemovedAtVersion)
		}
		if def.RecordTypes != nil {
			for _, n := range def.RecordTypes {
				if _, ok := s.recordTypes[n]; !ok {
					return nil, base.SchemaErrorf("index %q names unknown record type %q", def.Name, n)
				}
			}
		}
	}
	s.indexesByType = map[string][]*IndexDefinition{}
	for name, rt := range s.recordTypes {
		var defs []*IndexDefinition
		for _, def := range s.indexes {
			if def.AppliesTo(rt) {
				defs = append(defs, def)
			}
		}
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
		s.indexesByType[name] = defs
	}
	return s, nil
}

// MustBuild is Build for statically-known-good declarations.
func (b *SchemaBuilder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// Version returns the schema's semantic version.
func (s *Schema) Version() Version { return s.version }

// RecordType resolves a record type by name.
func (s *Schema) RecordType(name string) (*RecordType, error) {
	rt, ok := s.recordTypes[name]
	if !ok {
		return nil, base.SchemaErrorf("unknown record type %q", name)
	}
	return rt, nil
}

// RecordTypes returns the record type names in sorted order.
func (s *Schema) RecordTypes() []string {
	out := make([]string, 0, len(s.recordTypes))
	for n := range s.recordTypes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// RecordTypeFor resolves the record type of an instance.
func (s *Schema) RecordTypeFor(r Record) (*RecordType, error) {
	return s.RecordType(r.RecordName())
}

// Index resolves an index by name.
func (s *Schema) Index(name string) (*IndexDefinition, error) {
	def, ok := s.indexes[name]
	if !ok {
		return nil, base.SchemaErrorf("unknown index %q", name)
	}
	return def, nil
}

// Indexes returns all index definitions sorted by name.
func (s *Schema) Indexes() []*IndexDefinition {
	out := make([]*IndexDefinition, 0, len(s.indexes))
	for _, def := range s.indexes {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IndexesFor returns the indexes applicable to the record type, sorted by
// name.
func (s *Schema) IndexesFor(recordType string) []*IndexDefinition {
	return s.indexesByType[recordType]
}

// IndexFor looks an index up by structure rather than by name: the record
// type it applies to, its exact ordered key field paths, and its kind.
func (s *Schema) IndexFor(recordType string, keyFieldPaths []string, kind IndexKind) (*IndexDefinition, error) {
	for _, def := range s.indexesByType[recordType] {
		if def.Kind != kind || len(def.KeyFieldPaths) != len(keyFieldPaths) {
			continue
		}
		match := true
		for i, p := range keyFieldPaths {
			if def.KeyFieldPaths[i] != p {
				match = false
				break
			}
		}
		if match {
			return def, nil
		}
	}
	return nil, base.SchemaErrorf("no %s index on %q over %v", kind, recordType, keyFieldPaths)
}

// Former returns the recorded former indexes sorted by name.
func (s *Schema) Former() []*FormerIndex {
	out := make([]*FormerIndex, 0, len(s.former))
	for _, f := range s.former {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
