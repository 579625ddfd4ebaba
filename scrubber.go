// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"context"

	"github.com/orderedkv/recordlayer/index"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/tuple"
)

// ScrubResult reports what one scrub pass found.
type ScrubResult struct {
	// Missing counts entries the records imply but the index lacked.
	Missing int64
	// Dangling counts entries pointing at records that no longer exist.
	Dangling int64
	// Repaired is set when the pass fixed what it found.
	Repaired bool
}

// ScrubIndex verifies one index against primary storage in batches: a
// record pass inserts missing entries, an entry pass removes dangling ones.
// With repair false the index is left untouched and the result only counts.
//
// Scrubbing applies to indexes that store one decodable entry set per
// record (value, min, max, spatial). Aggregate, rank, version, and vector
// indexes are rebuilt, not scrubbed.
func (s *Store) ScrubIndex(ctx context.Context, indexName string, repair bool) (ScrubResult, error) {
	def, err := s.schema.Index(indexName)
	if err != nil {
		return ScrubResult{}, err
	}
	m := s.maintainers[indexName]
	lister, ok := m.(index.EntryLister)
	if !ok {
		return ScrubResult{}, base.SchemaErrorf(
			"index %q (%s) does not support scrubbing; rebuild it instead", indexName, def.Kind)
	}
	columns, ok := scrubColumns(def)
	if !ok {
		return ScrubResult{}, base.SchemaErrorf(
			"index %q (%s) does not support scrubbing; rebuild it instead", indexName, def.Kind)
	}

	result := ScrubResult{Repaired: repair}
	for _, recordType := range s.schema.RecordTypes() {
		rt, err := s.schema.RecordType(recordType)
		if err != nil {
			return result, err
		}
		if !def.AppliesTo(rt) {
			continue
		}
		if err := s.scrubMissing(ctx, rt, lister, repair, &result); err != nil {
			return result, err
		}
	}
	if err := s.scrubDangling(ctx, def, columns, repair, &result); err != nil {
		return result, err
	}
	return result, nil
}

// scrubColumns returns how many leading tuple elements of an entry key
// precede the primary key for the kind.
func scrubColumns(def *schema.IndexDefinition) (int, bool) {
	switch def.Kind {
	case schema.IndexValue, schema.IndexMin, schema.IndexMax:
		return len(def.KeyFieldPaths), true
	case schema.IndexSpatial:
		return 1, true // the cell id
	}
	return 0, false
}

// scrubMissing walks records in batches and inserts entries the index
// should hold but does not.
func (s *Store) scrubMissing(
	ctx context.Context, rt *schema.RecordType, lister index.EntryLister,
	repair bool, result *ScrubResult,
) error {
	typeSub := s.typeSub(rt.Name())
	begin, end := typeSub.Range()
	cursor := begin
	for {
		lastKey, count, err := s.scrubMissingBatch(ctx, rt, lister, repair, result, cursor, end)
		if err != nil {
			return err
		}
		if count < s.opts.OnlineIndexerBatchSize {
			return nil
		}
		cursor = append(lastKey, 0x00)
	}
}

func (s *Store) scrubMissingBatch(
	ctx context.Context, rt *schema.RecordType, lister index.EntryLister,
	repair bool, result *ScrubResult, begin, end []byte,
) (lastKey []byte, count int, err error) {
	// missing accumulates inside the attempt so a retried transaction does
	// not double count.
	var missing int64
	err = s.UpdateIdempotent(ctx, func(ctx context.Context, txn *Txn) error {
		count, missing = 0, 0
		it := txn.tx.GetRange(ctx, firstGE(begin), firstGE(end),
			kv.RangeOptions{Limit: s.opts.OnlineIndexerBatchSize})
		defer it.Close()
		for it.Next() {
			count++
			lastKey = append(lastKey[:0], it.Key()...)
			rec, err := s.opts.Serializer.Deserialize(rt.Name(), it.Value())
			if err != nil {
				return err
			}
			entries, err := lister.Entries(rt, rec)
			if err != nil {
				return err
			}
			for _, e := range entries {
				existing, err := txn.tx.Get(ctx, e.Key, false)
				if err != nil {
					return err
				}
				if existing == nil {
					missing++
					if repair {
						txn.tx.Set(e.Key, e.Value)
					}
				}
			}
		}
		return it.Err()
	})
	if err == nil {
		result.Missing += missing
		if repair {
			s.metrics.ScrubRepairs.Add(float64(missing))
		}
	}
	return lastKey, count, err
}

// scrubDangling walks index entries in batches and removes those whose
// primary key no longer resolves to a record.
func (s *Store) scrubDangling(
	ctx context.Context, def *schema.IndexDefinition, columns int,
	repair bool, result *ScrubResult,
) error {
	sub := s.indexSub(def.Name)
	begin, end := sub.Range()
	cursor := begin
	for {
		var lastKey []byte
		var dangling int64
		count := 0
		err := s.UpdateIdempotent(ctx, func(ctx context.Context, txn *Txn) error {
			count, dangling = 0, 0
			it := txn.tx.GetRange(ctx, firstGE(cursor), firstGE(end),
				kv.RangeOptions{Limit: s.opts.OnlineIndexerBatchSize})
			defer it.Close()
			for it.Next() {
				count++
				lastKey = append(lastKey[:0], it.Key()...)
				entry, err := sub.Unpack(it.Key())
				if err != nil {
					return err
				}
				if len(entry) <= columns {
					continue
				}
				pk := entry[columns:]
				exists, err := s.entryRecordExists(ctx, txn, def, pk)
				if err != nil {
					return err
				}
				if !exists {
					dangling++
					if repair {
						txn.tx.Clear(it.Key())
					}
				}
			}
			return it.Err()
		})
		if err != nil {
			return err
		}
		result.Dangling += dangling
		if repair {
			s.metrics.ScrubRepairs.Add(float64(dangling))
		}
		if count < s.opts.OnlineIndexerBatchSize {
			return nil
		}
		cursor = append(append([]byte(nil), lastKey...), 0x00)
	}
}

// entryRecordExists checks whether any applicable record type stores the
// primary key.
func (s *Store) entryRecordExists(
	ctx context.Context, txn *Txn, def *schema.IndexDefinition, pk tuple.Tuple,
) (bool, error) {
	for _, recordType := range s.schema.RecordTypes() {
		rt, err := s.schema.RecordType(recordType)
		if err != nil {
			return false, err
		}
		if !def.AppliesTo(rt) {
			continue
		}
		ok, err := txn.Exists(ctx, recordType, pk)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
