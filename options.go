// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"time"

	"github.com/orderedkv/recordlayer/index"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/schema"
)

// VectorStrategyChoice overrides how one vector index answers queries.
type VectorStrategyChoice struct {
	Strategy schema.VectorStrategy
	// Inline permits save-time graph insertion for HNSW.
	Inline bool
}

// Options configure a Store. The zero value is usable after EnsureDefaults.
type Options struct {
	// Logger receives warnings and online-operation progress. Defaults to
	// the zap-backed logger.
	Logger base.Logger

	// Serializer converts records to and from payload bytes. Required.
	Serializer RecordSerializer

	// TransactionSizeLimit caps the bytes written per transaction,
	// mirroring the store's own 10 MB bound.
	TransactionSizeLimit int

	// TransactionTimeout bounds one transaction attempt; negative disables
	// the bound, zero takes the 5 s default.
	TransactionTimeout time.Duration

	// RetryLimit caps transparent retries of retryable KV errors; 0 means
	// unbounded.
	RetryLimit int

	// OnlineIndexerBatchSize is the record count per build transaction.
	OnlineIndexerBatchSize int

	// OnlineIndexerThrottle pauses between build transactions.
	OnlineIndexerThrottle time.Duration

	// StatisticsSampleRate is the scan sampling rate for histogram builds,
	// in (0, 1].
	StatisticsSampleRate float64

	// StatisticsMaxBuckets caps histogram resolution.
	StatisticsMaxBuckets int

	// HNSW tunes vector graph construction and search.
	HNSW index.HNSWParams

	// HNSWBreaker tunes the per-index circuit breakers guarding HNSW
	// search.
	HNSWBreaker index.BreakerOptions

	// VectorStrategy overrides the schema's per-index vector strategy.
	VectorStrategy map[string]VectorStrategyChoice
}

// EnsureDefaults fills unset options in place and returns the receiver.
func (o *Options) EnsureDefaults() *Options {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.TransactionSizeLimit <= 0 || o.TransactionSizeLimit > 10_000_000 {
		o.TransactionSizeLimit = 10_000_000
	}
	if o.TransactionTimeout == 0 {
		o.TransactionTimeout = 5 * time.Second
	}
	if o.OnlineIndexerBatchSize <= 0 {
		o.OnlineIndexerBatchSize = 1000
	}
	if o.OnlineIndexerThrottle <= 0 {
		o.OnlineIndexerThrottle = 10 * time.Millisecond
	}
	if o.StatisticsSampleRate <= 0 || o.StatisticsSampleRate > 1 {
		o.StatisticsSampleRate = 0.01
	}
	if o.StatisticsMaxBuckets <= 0 {
		o.StatisticsMaxBuckets = 32
	}
	o.HNSW.EnsureDefaults()
	o.HNSWBreaker.EnsureDefaults()
	return o
}
