// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package recordlayer is a structured record layer over an ordered,
// transactional key-value store. It stores typed records under
// schema-derived primary keys, keeps a family of secondary indexes
// atomically consistent with every write, plans and streams queries, builds
// indexes online against live data, and migrates schemas in place.
//
// The keyspace under the store's root subspace is partitioned so each
// concern can be cleared independently:
//
//	root
//	├─ records/  <recordType>/ <primaryKey>  -> record payload
//	├─ indexes/  <indexName>/ ...            -> per index kind
//	├─ metadata/ schemaVersion, indexState/<name>, formerIndex/<name>, migrationLock
//	├─ progress/ <operation>/ ...            -> range-set build progress
//	└─ stats/    <indexName>/ ...            -> histograms
package recordlayer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/orderedkv/recordlayer/index"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/query"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

// A Store binds one schema to one keyspace root. The schema is immutable
// for the store's lifetime; the store itself holds only immutable
// configuration and is safe for concurrent use.
type Store struct {
	db     kv.Database
	schema *schema.Schema
	opts   Options
	log    base.Logger

	recordsSub  subspace.Subspace
	indexesSub  subspace.Subspace
	metadataSub subspace.Subspace
	progressSub subspace.Subspace
	statsSub    subspace.Subspace

	maintainers map[string]index.Maintainer
	breakers    map[string]*index.CircuitBreaker
	planCache   *lru.Cache[string, query.Plan]
	metrics     *Metrics
}

// Open binds a store over db under root. A fresh keyspace is initialized
// with the schema's version and every declared index readable; reopening an
// existing keyspace keeps its persisted version and index states (the
// migration manager advances them).
func Open(
	ctx context.Context, db kv.Database, root subspace.Subspace, sc *schema.Schema, opts *Options,
) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts.EnsureDefaults()
	if opts.Serializer == nil {
		return nil, errors.New("recordlayer: Options.Serializer is required")
	}
	cache, err := lru.New[string, query.Plan](128)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:          db,
		schema:      sc,
		opts:        *opts,
		log:         opts.Logger,
		recordsSub:  root.Nest(tuple.Tuple{"records"}),
		indexesSub:  root.Nest(tuple.Tuple{"indexes"}),
		metadataSub: root.Nest(tuple.Tuple{"metadata"}),
		progressSub: root.Nest(tuple.Tuple{"progress"}),
		statsSub:    root.Nest(tuple.Tuple{"stats"}),
		maintainers: map[string]index.Maintainer{},
		breakers:    map[string]*index.CircuitBreaker{},
		planCache:   cache,
		metrics:     newMetrics(),
	}
	for _, def := range sc.Indexes() {
		m, err := index.NewMaintainer(def, s.indexSub(def.Name))
		if err != nil {
			return nil, err
		}
		if vm, ok := m.(*index.VectorMaintainer); ok {
			vm.SetParams(opts.HNSW)
			s.breakers[def.Name] = index.NewCircuitBreaker(opts.HNSWBreaker)
		}
		s.maintainers[def.Name] = m
	}
	if err := s.initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// initialize writes the schema version and default index states into a
// fresh keyspace, and validates the version of an existing one.
func (s *Store) initialize(ctx context.Context) error {
	return s.UpdateIdempotent(ctx, func(ctx context.Context, txn *Txn) error {
		persisted, ok, err := txn.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		if !ok {
			txn.setSchemaVersion(s.schema.Version())
			for _, def := range s.schema.Indexes() {
				txn.setIndexState(def.Name, schema.StateReadable)
			}
			return nil
		}
		if s.schema.Version().Less(persisted) {
			return errors.Mark(errors.Newf(
				"recordlayer: persisted schema version %s is newer than %s",
				persisted, s.schema.Version()), base.ErrMigrationConflict)
		}
		return nil
	})
}

// Schema returns the bound schema.
func (s *Store) Schema() *schema.Schema { return s.schema }

// Metrics returns the store's prometheus collectors.
func (s *Store) Metrics() *Metrics { return s.metrics }

// indexSub returns the subspace owning one index's entries.
func (s *Store) indexSub(name string) subspace.Subspace {
	return s.indexesSub.Nest(tuple.Tuple{name})
}

// statsSubFor returns the subspace owning one index's histogram.
func (s *Store) statsSubFor(name string) subspace.Subspace {
	return s.statsSub.Nest(tuple.Tuple{name})
}

// typeSub returns the subspace owning one record type's primary storage.
func (s *Store) typeSub(recordType string) subspace.Subspace {
	return s.recordsSub.Nest(tuple.Tuple{recordType})
}

// recordKey builds the primary storage key: records/<type>/<pk> with both
// components nested so per-type and per-record prefixes scan correctly.
func (s *Store) recordKey(recordType string, pk tuple.Tuple) []byte {
	return s.typeSub(recordType).Nest(pk).Pack(nil)
}

// maintainer resolves an index maintainer by name.
func (s *Store) maintainer(name string) (index.Maintainer, error) {
	m, ok := s.maintainers[name]
	if !ok {
		return nil, base.SchemaErrorf("unknown index %q", name)
	}
	return m, nil
}

// Save writes the record and updates every maintained index atomically. If
// the record already exists, its previous version is read first so index
// diffs are exact.
func (t *Txn) Save(ctx context.Context, r schema.Record) error {
	return t.save(ctx, r, false)
}

// SaveFirstWrite is Save for records the caller asserts are new; it skips
// the point read for the previous version. Saving over an existing record
// through this path corrupts its index entries.
func (t *Txn) SaveFirstWrite(ctx context.Context, r schema.Record) error {
	return t.save(ctx, r, true)
}

func (t *Txn) save(ctx context.Context, r schema.Record, firstWrite bool) error {
	start := time.Now()
	s := t.s
	rt, err := s.schema.RecordTypeFor(r)
	if err != nil {
		return err
	}
	pk, err := rt.PrimaryKey(r)
	if err != nil {
		return err
	}
	key := s.recordKey(rt.Name(), pk)

	var old schema.Record
	if !firstWrite {
		existing, err := t.tx.Get(ctx, key, false)
		if err != nil {
			return err
		}
		if existing != nil {
			if old, err = s.opts.Serializer.Deserialize(rt.Name(), existing); err != nil {
				return err
			}
		}
	}

	payload, err := s.opts.Serializer.Serialize(r)
	if err != nil {
		return err
	}
	t.tx.Set(key, payload)

	if err := t.updateIndexes(ctx, rt, old, r); err != nil {
		return err
	}
	s.metrics.Saves.Inc()
	s.metrics.SaveDuration.Observe(time.Since(start).Seconds())
	return nil
}

// SaveAll saves records in order with identical per-record semantics.
func (t *Txn) SaveAll(ctx context.Context, records ...schema.Record) error {
	for _, r := range records {
		if err := t.Save(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the record with the given primary key, or nil when absent.
func (t *Txn) Load(ctx context.Context, recordType string, pk tuple.Tuple) (schema.Record, error) {
	if _, err := t.s.schema.RecordType(recordType); err != nil {
		return nil, err
	}
	payload, err := t.tx.Get(ctx, t.s.recordKey(recordType, pk), false)
	if err != nil || payload == nil {
		return nil, err
	}
	t.s.metrics.Loads.Inc()
	return t.s.opts.Serializer.Deserialize(recordType, payload)
}

// Exists reports whether a record with the primary key is stored.
func (t *Txn) Exists(ctx context.Context, recordType string, pk tuple.Tuple) (bool, error) {
	if _, err := t.s.schema.RecordType(recordType); err != nil {
		return false, err
	}
	payload, err := t.tx.Get(ctx, t.s.recordKey(recordType, pk), false)
	return payload != nil, err
}

// Delete removes the record and its index entries; it reports whether a
// record existed.
func (t *Txn) Delete(ctx context.Context, recordType string, pk tuple.Tuple) (bool, error) {
	s := t.s
	rt, err := s.schema.RecordType(recordType)
	if err != nil {
		return false, err
	}
	key := s.recordKey(recordType, pk)
	payload, err := t.tx.Get(ctx, key, false)
	if err != nil {
		return false, err
	}
	if payload == nil {
		return false, nil
	}
	old, err := s.opts.Serializer.Deserialize(recordType, payload)
	if err != nil {
		return false, err
	}
	t.tx.Clear(key)
	if err := t.updateIndexes(ctx, rt, old, nil); err != nil {
		return false, err
	}
	s.metrics.Deletes.Inc()
	return true, nil
}

// updateIndexes runs every applicable maintained index's maintainer for the
// record change. Disabled indexes are skipped; a maintainer error aborts the
// transaction.
func (t *Txn) updateIndexes(ctx context.Context, rt *schema.RecordType, old, new schema.Record) error {
	for _, def := range t.s.schema.IndexesFor(rt.Name()) {
		state, err := t.IndexState(ctx, def.Name)
		if err != nil {
			return err
		}
		if !state.Maintained() {
			continue
		}
		m := t.s.maintainers[def.Name]
		if err := m.Update(ctx, t.tx, rt, old, new); err != nil {
			return errors.Wrapf(err, "maintaining index %q", def.Name)
		}
	}
	return nil
}

// Watch registers a KV watch on the record's primary key. The channel fires
// once after a later transaction commits a change to the record.
func (t *Txn) Watch(recordType string, pk tuple.Tuple) <-chan struct{} {
	return t.tx.Watch(t.s.recordKey(recordType, pk))
}

// ClearRecordType removes every record of the type. Index entries are not
// touched: this is the bulk path used by tests and migrations that rebuild
// indexes afterwards (subspace isolation keeps the clears independent).
func (t *Txn) ClearRecordType(recordType string) error {
	if _, err := t.s.schema.RecordType(recordType); err != nil {
		return err
	}
	begin, end := t.s.typeSub(recordType).Range()
	t.tx.ClearRange(begin, end)
	return nil
}
