// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package migrate moves a record store's persisted schema version along a
// registered chain of migrations.
//
// A migration names its endpoints (from -> to) and an apply function; the
// manager finds the shortest path from the persisted version to the target
// by breadth-first search over the registered edges, guards the run with a
// lease so concurrent migrators cannot interleave, applies each step, and
// advances the persisted version after each one. Steps are therefore
// idempotent at the chain level: re-running a completed migration is a
// no-op because the persisted version already equals the target.
package migrate

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	recordlayer "github.com/orderedkv/recordlayer"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/schema"
)

// A Migration is one edge of the version graph.
type Migration struct {
	From, To    schema.Version
	Description string
	// Apply performs the step. It runs outside any transaction: use the
	// Context's helpers (which manage their own transactions and online
	// operations) or Store for custom work.
	Apply func(ctx context.Context, mc *Context) error
}

// Context is the toolset handed to Migration.Apply.
type Context struct {
	ctx   context.Context
	store *recordlayer.Store
}

// Store exposes the underlying record store.
func (c *Context) Store() *recordlayer.Store { return c.store }

// AddIndex brings a schema-declared index online: disabled -> writeOnly ->
// batched backfill -> readable. The definition must already be part of the
// store's schema.
func (c *Context) AddIndex(def *schema.IndexDefinition) error {
	declared, err := c.store.Schema().Index(def.Name)
	if err != nil {
		return err
	}
	if declared.Kind != def.Kind {
		return base.SchemaErrorf("migration adds index %q as %s but the schema declares %s",
			def.Name, def.Kind, declared.Kind)
	}
	return c.store.BuildIndex(c.context(), def.Name)
}

func (c *Context) context() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// RebuildIndex drops and repopulates an index: disable (clearing its
// entries), then build online back to readable.
func (c *Context) RebuildIndex(name string) error {
	ctx := c.context()
	if err := c.store.DisableIndex(ctx, name); err != nil {
		return err
	}
	return c.store.BuildIndex(ctx, name)
}

// RemoveIndex disables the index, clears its entries, and records it as a
// former index under metadata/formerIndex/<name> (listed by
// Txn.FormerIndexes). Opening a store does not consult that record; name
// reuse is rejected only by the schema's own FormerIndex declarations.
func (c *Context) RemoveIndex(name string, addedAt schema.Version) error {
	ctx := c.context()
	if err := c.store.DisableIndex(ctx, name); err != nil {
		return err
	}
	return c.store.UpdateIdempotent(ctx, func(ctx context.Context, txn *recordlayer.Txn) error {
		txn.RecordFormerIndex(schema.FormerIndex{
			Name:             name,
			AddedAtVersion:   addedAt,
			RemovedAtVersion: c.store.Schema().Version(),
		})
		return nil
	})
}

// Manager runs migrations against one store.
type Manager struct {
	store      *recordlayer.Store
	migrations []*Migration
	leaseTTL   time.Duration
	owner      []byte
}

// NewManager returns a manager with a fresh lease identity.
func NewManager(store *recordlayer.Store) *Manager {
	id := uuid.New()
	return &Manager{store: store, leaseTTL: time.Minute, owner: id[:]}
}

// Register adds a migration edge.
func (m *Manager) Register(mig *Migration) *Manager {
	m.migrations = append(m.migrations, mig)
	return m
}

// Migrate advances the persisted schema version to target along the
// shortest registered path. Running against a store already at target is a
// no-op. On step failure the store stays at the last completed step's
// version.
func (m *Manager) Migrate(ctx context.Context, target schema.Version) error {
	current, ok, err := m.store.PersistedSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Mark(errors.New("migrate: store has no persisted schema version"),
			base.ErrMigrationConflict)
	}
	if current.Compare(target) == 0 {
		return nil
	}
	path, err := m.findPath(current, target)
	if err != nil {
		return err
	}

	leased, err := m.store.HoldMigrationLease(ctx, m.owner, m.leaseTTL)
	if err != nil {
		return err
	}
	defer func() {
		_ = m.store.ReleaseMigrationLeaseValue(ctx, leased)
	}()

	for _, step := range path {
		mc := &Context{ctx: ctx, store: m.store}
		if err := step.Apply(ctx, mc); err != nil {
			return errors.Wrapf(err, "migrate: applying %s -> %s (%s)",
				step.From, step.To, step.Description)
		}
		if err := m.store.AdvanceSchemaVersion(ctx, step.To); err != nil {
			return err
		}
	}
	return nil
}

// findPath runs breadth-first search over the registered from->to edges.
func (m *Manager) findPath(from, to schema.Version) ([]*Migration, error) {
	type nodePath struct {
		at   schema.Version
		path []*Migration
	}
	visited := map[string]bool{from.String(): true}
	queue := []nodePath{{at: from}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.at.Compare(to) == 0 {
			return cur.path, nil
		}
		for _, mig := range m.migrations {
			if mig.From.Compare(cur.at) != 0 || visited[mig.To.String()] {
				continue
			}
			visited[mig.To.String()] = true
			next := append(append([]*Migration(nil), cur.path...), mig)
			queue = append(queue, nodePath{at: mig.To, path: next})
		}
	}
	return nil, errors.Mark(
		errors.Newf("migrate: no registered path from %s to %s", from, to),
		base.ErrMigrationConflict)
}
