// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package stats builds and serves per-index histograms for selectivity
// estimation.
//
// A histogram is built by sampling an index scan at a configured rate and
// splitting the sorted sample into equal-count buckets over the leading
// indexed column. Each bucket stores its value bounds, a scaled row count,
// and a distinct-value estimate. Histograms are persisted one bucket per key
// in the index's stats subspace.
package stats

import (
	"context"
	"hash/fnv"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
)

// Fallback selectivities used when no histogram exists.
const (
	FallbackEquality = 0.1
	FallbackRange    = 0.3
	FallbackFull     = 1.0
)

// A Bucket covers the value interval [Lo, Hi] of the leading indexed column.
type Bucket struct {
	Lo, Hi   tuple.Tuple
	Count    int64
	Distinct int64
}

// A Histogram estimates predicate selectivity over one index.
type Histogram struct {
	Buckets []Bucket
	Total   int64
}

// A Provider serves histograms to the planner; a nil histogram means the
// planner falls back to the constant selectivities.
type Provider interface {
	HistogramFor(indexName string) *Histogram
}

// Builder accumulates sampled values and produces a histogram. Sampling is
// hash-based on the packed value so it is deterministic for a given scan.
type Builder struct {
	sampleRate float64
	maxBuckets int
	samples    []tuple.Tuple
	seen       int64
}

// NewBuilder returns a builder sampling at rate (0 < rate <= 1) into at most
// maxBuckets buckets.
func NewBuilder(rate float64, maxBuckets int) *Builder {
	if rate <= 0 || rate > 1 {
		rate = 0.01
	}
	if maxBuckets <= 0 {
		maxBuckets = 32
	}
	return &Builder{sampleRate: rate, maxBuckets: maxBuckets}
}

// Offer counts one scanned value and samples it at the configured rate.
func (b *Builder) Offer(value tuple.Tuple) {
	b.seen++
	h := fnv.New64a()
	h.Write(value.Pack())
	if float64(h.Sum64()%1_000_000)/1_000_000 < b.sampleRate {
		b.samples = append(b.samples, value)
	}
}

// Build produces the histogram. Counts are scaled from the sample back to
// the observed row count.
func (b *Builder) Build() *Histogram {
	if len(b.samples) == 0 {
		return &Histogram{Total: b.seen}
	}
	sort.Slice(b.samples, func(i, j int) bool {
		return tuple.Compare(b.samples[i], b.samples[j]) < 0
	})
	n := len(b.samples)
	buckets := b.maxBuckets
	if buckets > n {
		buckets = n
	}
	per := n / buckets
	if n%buckets != 0 {
		per++
	}
	scale := float64(b.seen) / float64(n)
	h := &Histogram{Total: b.seen}
	for lo := 0; lo < n; lo += per {
		hi := lo + per
		if hi > n {
			hi = n
		}
		chunk := b.samples[lo:hi]
		distinct := int64(1)
		for i := 1; i < len(chunk); i++ {
			if !tuple.Equal(chunk[i-1], chunk[i]) {
				distinct++
			}
		}
		h.Buckets = append(h.Buckets, Bucket{
			Lo:       chunk[0],
			Hi:       chunk[len(chunk)-1],
			Count:    int64(float64(len(chunk)) * scale),
			Distinct: distinct,
		})
	}
	return h
}

// EstimateEquals returns the selectivity of leading-column equality with v.
func (h *Histogram) EstimateEquals(v tuple.Tuple) float64 {
	if h == nil || h.Total == 0 || len(h.Buckets) == 0 {
		return FallbackEquality
	}
	// A frequent value can span several equal-count buckets; every bucket
	// whose range contains v contributes its per-distinct-value share.
	est, covered := 0.0, false
	for _, b := range h.Buckets {
		if tuple.Compare(v, b.Lo) >= 0 && tuple.Compare(v, b.Hi) <= 0 {
			d := b.Distinct
			if d < 1 {
				d = 1
			}
			est += float64(b.Count) / float64(h.Total) / float64(d)
			covered = true
		}
	}
	if covered {
		return clamp(est)
	}
	// Outside every bucket: rare value.
	return clamp(1 / float64(h.Total))
}

// EstimateRange returns the selectivity of a leading-column range [lo, hi].
// A nil bound is unbounded on that side. Buckets partially covered by the
// range contribute half their count.
func (h *Histogram) EstimateRange(lo, hi tuple.Tuple) float64 {
	if h == nil || h.Total == 0 || len(h.Buckets) == 0 {
		return FallbackRange
	}
	var est float64
	for _, b := range h.Buckets {
		below := hi != nil && tuple.Compare(hi, b.Lo) < 0
		above := lo != nil && tuple.Compare(lo, b.Hi) > 0
		if below || above {
			continue
		}
		full := (lo == nil || tuple.Compare(lo, b.Lo) <= 0) &&
			(hi == nil || tuple.Compare(hi, b.Hi) >= 0)
		if full {
			est += float64(b.Count)
		} else {
			est += float64(b.Count) / 2
		}
	}
	return clamp(est / float64(h.Total))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Save persists the histogram, one bucket per key, replacing any previous
// histogram under sub.
func (h *Histogram) Save(tx kv.Transaction, sub subspace.Subspace) {
	begin, end := sub.Range()
	tx.ClearRange(begin, end)
	tx.Set(sub.Pack(tuple.Tuple{"total"}), tuple.Tuple{h.Total}.Pack())
	for i, b := range h.Buckets {
		tx.Set(sub.Pack(tuple.Tuple{"bucket", int64(i)}),
			tuple.Tuple{b.Lo.Pack(), b.Hi.Pack(), b.Count, b.Distinct}.Pack())
	}
}

// Load reads a histogram persisted by Save; ok is false when none exists.
func Load(ctx context.Context, tx kv.Transaction, sub subspace.Subspace) (*Histogram, bool, error) {
	totalRaw, err := tx.Get(ctx, sub.Pack(tuple.Tuple{"total"}), true)
	if err != nil {
		return nil, false, err
	}
	if totalRaw == nil {
		return nil, false, nil
	}
	totalT, err := tuple.Unpack(totalRaw)
	if err != nil || len(totalT) != 1 {
		return nil, false, errors.Newf("stats: malformed histogram total")
	}
	h := &Histogram{Total: totalT[0].(int64)}
	begin, end := sub.PrefixRange(tuple.Tuple{"bucket"})
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(end),
		kv.RangeOptions{Snapshot: true})
	defer it.Close()
	for it.Next() {
		t, err := tuple.Unpack(it.Value())
		if err != nil || len(t) != 4 {
			return nil, false, errors.Newf("stats: malformed histogram bucket")
		}
		lo, err := tuple.Unpack(t[0].([]byte))
		if err != nil {
			return nil, false, err
		}
		hi, err := tuple.Unpack(t[1].([]byte))
		if err != nil {
			return nil, false, err
		}
		h.Buckets = append(h.Buckets, Bucket{
			Lo: lo, Hi: hi, Count: t[2].(int64), Distinct: t[3].(int64),
		})
	}
	if err := it.Err(); err != nil {
		return nil, false, err
	}
	return h, true, nil
}
