// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"context"

	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/stats"
	"github.com/orderedkv/recordlayer/tuple"
)

// BuildIndexStatistics samples a value index's entries at the configured
// rate, builds the leading-column histogram, and persists it under stats/.
// The scan pages through the index in snapshot batches so it neither holds
// a long transaction nor conflicts with writers.
func (s *Store) BuildIndexStatistics(ctx context.Context, indexName string) error {
	def, err := s.schema.Index(indexName)
	if err != nil {
		return err
	}
	if def.Kind != schema.IndexValue {
		return base.SchemaErrorf("statistics require a value index; %q is %s", indexName, def.Kind)
	}

	builder := stats.NewBuilder(s.opts.StatisticsSampleRate, s.opts.StatisticsMaxBuckets)
	sub := s.indexSub(indexName)
	begin, end := sub.Range()
	cursor := begin
	for {
		var lastKey []byte
		count := 0
		err := s.View(ctx, func(ctx context.Context, txn *Txn) error {
			it := txn.tx.GetRange(ctx, firstGE(cursor), firstGE(end),
				kv.RangeOptions{Limit: s.opts.OnlineIndexerBatchSize, Snapshot: true})
			defer it.Close()
			for it.Next() {
				count++
				lastKey = append(lastKey[:0], it.Key()...)
				entry, err := sub.Unpack(it.Key())
				if err != nil {
					return err
				}
				builder.Offer(tuple.Tuple{entry[0]})
			}
			return it.Err()
		})
		if err != nil {
			return err
		}
		if count < s.opts.OnlineIndexerBatchSize {
			break
		}
		cursor = append(append([]byte(nil), lastKey...), 0x00)
	}

	hist := builder.Build()
	return s.UpdateIdempotent(ctx, func(ctx context.Context, txn *Txn) error {
		hist.Save(txn.tx, s.statsSubFor(indexName))
		return nil
	})
}
