// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/tokenbucket"
	"github.com/orderedkv/recordlayer/index"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/rangeset"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
	"golang.org/x/sync/errgroup"
)

// An IndexBuilder populates one index's entries for records that existed
// before the index became writeOnly, without blocking live writes.
//
// The build decomposes into many short transactions, each scanning at most
// one batch of records and recording the covered key range in a range set
// under progress/. Because interval insertion is idempotent and the record
// scan conflicts with concurrent writers touching the same batch, a crashed
// or concurrent builder resumes from the persisted range set without
// duplicating work. Vector indexes build in two phases: level assignment,
// then layer-by-layer graph insertion.
type IndexBuilder struct {
	s         *Store
	indexName string
	batchSize int
	limiter   *tokenbucket.TokenBucket

	mu struct {
		sync.Mutex
		running   bool
		cancelled bool
		batches   int64
		records   int64
	}
}

// NewIndexBuilder returns a builder for the named index using the store's
// batch and throttle options.
func (s *Store) NewIndexBuilder(indexName string) *IndexBuilder {
	b := &IndexBuilder{
		s:         s,
		indexName: indexName,
		batchSize: s.opts.OnlineIndexerBatchSize,
		limiter:   &tokenbucket.TokenBucket{},
	}
	perSecond := float64(time.Second) / float64(s.opts.OnlineIndexerThrottle)
	b.limiter.Init(tokenbucket.TokensPerSecond(perSecond), 1)
	return b
}

// Cancel requests a stop; the builder exits at the next batch boundary.
func (b *IndexBuilder) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.cancelled = true
}

// Stats reports batches committed and records visited so far.
func (b *IndexBuilder) Stats() (batches, records int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.batches, b.mu.records
}

func (b *IndexBuilder) cancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.cancelled
}

// progressSet returns the range set recording built record ranges for one
// phase and record type.
func (b *IndexBuilder) progressSet(phase, recordType string) rangeset.RangeSet {
	return rangeset.New(b.s.progressSub.Nest(tuple.Tuple{"build", b.indexName, phase, recordType}))
}

// targetTypes lists the record types the index applies to.
func (b *IndexBuilder) targetTypes(def *schema.IndexDefinition) ([]string, error) {
	var out []string
	for _, name := range b.s.schema.RecordTypes() {
		rt, err := b.s.schema.RecordType(name)
		if err != nil {
			return nil, err
		}
		if def.AppliesTo(rt) {
			out = append(out, name)
		}
	}
	return out, nil
}

// Build populates the index end to end: a disabled index is first moved to
// writeOnly so live writes maintain it, every pre-existing record is
// visited in batches, and on completion the index is promoted to readable.
func (b *IndexBuilder) Build(ctx context.Context) error {
	b.mu.Lock()
	if b.mu.running {
		b.mu.Unlock()
		return errors.New("recordlayer: index build already running on this builder")
	}
	b.mu.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.mu.running = false
		b.mu.Unlock()
	}()

	def, err := b.s.schema.Index(b.indexName)
	if err != nil {
		return err
	}
	if err := b.ensureWriteOnly(ctx); err != nil {
		return err
	}

	types, err := b.targetTypes(def)
	if err != nil {
		return err
	}
	phases := []string{"entries"}
	if def.Kind == schema.IndexVector && def.Vector.Strategy == schema.StrategyHNSW {
		phases = []string{"levels", "graph"}
	}
	for _, phase := range phases {
		for _, recordType := range types {
			if err := b.buildPhase(ctx, def, phase, recordType); err != nil {
				return err
			}
		}
	}
	if b.cancelled() {
		return context.Canceled
	}
	if breaker, ok := b.s.breakers[b.indexName]; ok {
		breaker.Reset()
	}
	return b.s.MakeIndexReadable(ctx, b.indexName)
}

func (b *IndexBuilder) ensureWriteOnly(ctx context.Context) error {
	return b.s.UpdateIdempotent(ctx, func(ctx context.Context, txn *Txn) error {
		st, err := txn.IndexState(ctx, b.indexName)
		if err != nil {
			return err
		}
		switch st {
		case schema.StateDisabled:
			return txn.transitionIndex(ctx, b.indexName, schema.StateWriteOnly)
		case schema.StateWriteOnly, schema.StateReadable:
			return nil
		}
		return nil
	})
}

// buildPhase drains one phase's missing ranges batch by batch.
func (b *IndexBuilder) buildPhase(
	ctx context.Context, def *schema.IndexDefinition, phase, recordType string,
) error {
	typeSub := b.s.typeSub(recordType)
	totalBegin, totalEnd := typeSub.Range()
	progress := b.progressSet(phase, recordType)

	for {
		if b.cancelled() {
			return nil
		}
		// The gap lookup runs outside the batch transaction so a long build
		// never holds one transaction open.
		var gap rangeset.Range
		var done bool
		err := b.s.View(ctx, func(ctx context.Context, txn *Txn) error {
			missing, err := progress.Missing(ctx, txn.tx, totalBegin, totalEnd)
			if err != nil {
				return err
			}
			if len(missing) == 0 {
				done = true
				return nil
			}
			gap = missing[0]
			return nil
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := b.buildBatch(ctx, def, phase, recordType, progress, gap); err != nil {
			return err
		}
		b.throttle(ctx)
	}
}

// isIndexingError reports whether err is a per-record data problem (decode,
// serialization, maintainer) rather than an environmental failure. Data
// problems skip the record and are recorded under progress/errors/; KV
// errors abort the batch.
func isIndexingError(err error) bool {
	var kvErr *kv.Error
	if errors.As(err, &kvErr) {
		return false
	}
	var uv *index.UniquenessViolation
	if errors.As(err, &uv) {
		// Pre-existing duplicate data under a unique index: skipping would
		// silently drop the constraint, so the build must fail.
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (b *IndexBuilder) errorsSub(recordType string) subspace.Subspace {
	return b.s.progressSub.Nest(tuple.Tuple{"errors", b.indexName, recordType})
}

// FailedRecords lists the record keys a build skipped because of data
// errors, with the recorded causes.
func (b *IndexBuilder) FailedRecords(ctx context.Context, recordType string) (map[string]string, error) {
	errSub := b.errorsSub(recordType)
	out := map[string]string{}
	err := b.s.View(ctx, func(ctx context.Context, txn *Txn) error {
		begin, end := errSub.Range()
		it := txn.tx.GetRange(ctx, firstGE(begin), firstGE(end), rangeAll())
		defer it.Close()
		for it.Next() {
			kt, err := errSub.Unpack(it.Key())
			if err != nil {
				return err
			}
			out[kt.String()] = string(it.Value())
		}
		return it.Err()
	})
	return out, err
}

// buildBatch visits up to batchSize records of one gap in a single
// transaction and marks the covered interval built.
func (b *IndexBuilder) buildBatch(
	ctx context.Context, def *schema.IndexDefinition, phase, recordType string,
	progress rangeset.RangeSet, gap rangeset.Range,
) error {
	m := b.s.maintainers[def.Name]
	rt, err := b.s.schema.RecordType(recordType)
	if err != nil {
		return err
	}
	typeSub := b.s.typeSub(recordType)
	var visited int64
	err = b.s.UpdateIdempotent(ctx, func(ctx context.Context, txn *Txn) error {
		visited = 0
		it := txn.tx.GetRange(ctx, firstGE(gap.Begin), firstGE(gap.End),
			kv.RangeOptions{Limit: b.batchSize})
		defer it.Close()

		var lastKey []byte
		for it.Next() {
			err := func() error {
				rec, pk, err := b.decodeRecord(typeSub, recordType, it.Key(), it.Value())
				if err != nil {
					return err
				}
				return b.visitRecord(ctx, txn, def, m, rt, rec, pk, phase)
			}()
			if err != nil {
				if !isIndexingError(err) {
					return err
				}
				// A bad record poisons only itself: note it and move on.
				txn.tx.Set(b.errorsSub(recordType).Pack(tuple.Tuple{it.Key()}), []byte(err.Error()))
				b.s.log.Warnf("online build of %q skipping record %x: %v", b.indexName, it.Key(), err)
			}
			lastKey = append(lastKey[:0], it.Key()...)
			visited++
		}
		if err := it.Err(); err != nil {
			return err
		}

		coveredEnd := gap.End
		if int(visited) == b.batchSize && lastKey != nil {
			// The batch filled up: only the scanned prefix of the gap is
			// done. Mark through the last key inclusive.
			coveredEnd = append(append([]byte(nil), lastKey...), 0x00)
		}
		return progress.Insert(ctx, txn.tx, gap.Begin, coveredEnd)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.mu.batches++
	b.mu.records += visited
	b.mu.Unlock()
	b.s.metrics.IndexerBatches.Inc()
	b.s.metrics.IndexerRecords.Add(float64(visited))
	return nil
}

func (b *IndexBuilder) decodeRecord(
	typeSub subspace.Subspace, recordType string, key, value []byte,
) (schema.Record, tuple.Tuple, error) {
	pk, err := decodeRecordKey(typeSub, key)
	if err != nil {
		return nil, nil, err
	}
	rec, err := b.s.opts.Serializer.Deserialize(recordType, value)
	if err != nil {
		return nil, nil, err
	}
	return rec, pk, nil
}

func (b *IndexBuilder) visitRecord(
	ctx context.Context, txn *Txn, def *schema.IndexDefinition, m index.Maintainer,
	rt *schema.RecordType, rec schema.Record, pk tuple.Tuple, phase string,
) error {
	switch phase {
	case "entries":
		return m.Update(ctx, txn.tx, rt, nil, rec)
	case "levels":
		vm := m.(*index.VectorMaintainer)
		vec, err := rt.ExtractVector(rec, def.VectorFieldPath())
		if err != nil {
			return err
		}
		if vec == nil {
			return nil
		}
		// Phase one stores the vector and stamps the node's level.
		if err := vm.Update(ctx, txn.tx, rt, nil, rec); err != nil {
			return err
		}
		_, err = vm.AssignLevel(ctx, txn.tx, pk)
		return err
	case "graph":
		vm := m.(*index.VectorMaintainer)
		vec, err := rt.ExtractVector(rec, def.VectorFieldPath())
		if err != nil {
			return err
		}
		if vec == nil {
			return nil
		}
		return vm.InsertIntoGraph(ctx, txn.tx, pk, vec)
	}
	return errors.AssertionFailedf("recordlayer: unknown build phase %q", errors.Safe(phase))
}

// throttle paces batch transactions.
func (b *IndexBuilder) throttle(ctx context.Context) {
	for {
		ok, wait := b.limiter.TryToFulfill(1)
		if ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Progress estimates the built fraction of the first target record type's
// keyspace, observable in constant work.
func (b *IndexBuilder) Progress(ctx context.Context) (float64, error) {
	def, err := b.s.schema.Index(b.indexName)
	if err != nil {
		return 0, err
	}
	types, err := b.targetTypes(def)
	if err != nil || len(types) == 0 {
		return 0, err
	}
	phase := "entries"
	if def.Kind == schema.IndexVector && def.Vector.Strategy == schema.StrategyHNSW {
		phase = "graph"
	}
	var frac float64
	err = b.s.View(ctx, func(ctx context.Context, txn *Txn) error {
		typeSub := b.s.typeSub(types[0])
		begin, end := typeSub.Range()
		f, err := b.progressSet(phase, types[0]).ApproximateCoverage(ctx, txn.tx, begin, end)
		frac = f
		return err
	})
	return frac, err
}

// BuildIndex is the one-call form: build the named index to readable with a
// fresh builder.
func (s *Store) BuildIndex(ctx context.Context, indexName string) error {
	return s.NewIndexBuilder(indexName).Build(ctx)
}

// BuildIndexes builds several indexes concurrently, one builder per index.
// Builders touch disjoint index subspaces, so they only contend on the
// shared record scans.
func (s *Store) BuildIndexes(ctx context.Context, indexNames ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range indexNames {
		name := name
		g.Go(func() error { return s.BuildIndex(ctx, name) })
	}
	return g.Wait()
}
