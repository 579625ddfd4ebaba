// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/schema"
)

// DeriveLightweight builds a migration automatically when the change from
// old to new is purely additive: new record types and new indexes. Any
// removal or in-place redefinition needs a scripted migration and fails
// here.
func DeriveLightweight(old, new *schema.Schema) (*Migration, error) {
	oldIndexes := map[string]*schema.IndexDefinition{}
	for _, def := range old.Indexes() {
		oldIndexes[def.Name] = def
	}
	oldTypes := map[string]bool{}
	for _, name := range old.RecordTypes() {
		oldTypes[name] = true
	}

	var nonAdditive []string
	newIndexes := map[string]bool{}
	var added []*schema.IndexDefinition
	for _, def := range new.Indexes() {
		newIndexes[def.Name] = true
		prior, ok := oldIndexes[def.Name]
		if !ok {
			added = append(added, def)
			continue
		}
		if prior.Kind != def.Kind || !equalPaths(prior.KeyFieldPaths, def.KeyFieldPaths) {
			nonAdditive = append(nonAdditive, fmt.Sprintf("index %q redefined", def.Name))
		}
	}
	for name := range oldIndexes {
		if !newIndexes[name] {
			nonAdditive = append(nonAdditive, fmt.Sprintf("index %q removed", name))
		}
	}
	newTypes := map[string]bool{}
	for _, name := range new.RecordTypes() {
		newTypes[name] = true
	}
	for name := range oldTypes {
		if !newTypes[name] {
			nonAdditive = append(nonAdditive, fmt.Sprintf("record type %q removed", name))
		}
	}
	if len(nonAdditive) > 0 {
		return nil, base.SchemaErrorf(
			"no lightweight migration from %s to %s: %s; write a scripted migration",
			old.Version(), new.Version(), strings.Join(nonAdditive, ", "))
	}

	return &Migration{
		From:        old.Version(),
		To:          new.Version(),
		Description: fmt.Sprintf("lightweight: %d new indexes", len(added)),
		Apply: func(ctx context.Context, mc *Context) error {
			for _, def := range added {
				if err := mc.AddIndex(def); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func equalPaths(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
