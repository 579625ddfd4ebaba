// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package kv declares the contract the record layer consumes from the
// underlying ordered, transactional key-value store.
//
// The store provides ordered byte keys, point and range reads, range clears,
// atomic mutations, strictly-serializable transactions under optimistic
// concurrency control, watches, and commit versionstamps. The record layer
// never assumes more than this contract; internal/memkv is the in-process
// reference implementation used by the test suite.
//
// Naming follows the half-open convention throughout: a range is [begin, end).
package kv

import "context"

// A Database opens transactions against the store.
type Database interface {
	// BeginTransaction starts a read-write transaction. The transaction must
	// be finished with Commit or Cancel.
	BeginTransaction(ctx context.Context) (Transaction, error)
}

// A Transaction is a single strictly-serializable unit of work. All reads
// observe the transaction's read version plus the transaction's own writes.
// Commit fails with ErrNotCommitted when the optimistic read set conflicts
// with a concurrently committed write.
type Transaction interface {
	// Get returns the value at key, or nil if the key is unset. A snapshot
	// read does not add the key to the transaction's conflict read set.
	Get(ctx context.Context, key []byte, snapshot bool) ([]byte, error)

	// GetRange returns an iterator over [begin, end) in key order. Reverse
	// iterates [begin, end) in descending order. Limit <= 0 means unlimited.
	GetRange(ctx context.Context, begin, end KeySelector, opt RangeOptions) Iterator

	// Set writes value at key.
	Set(key, value []byte)

	// Clear removes key.
	Clear(key []byte)

	// ClearRange removes every key in [begin, end).
	ClearRange(begin, end []byte)

	// Atomic applies a conflict-free mutation to key. Atomic mutations add no
	// read conflicts and never cause OCC retries by themselves.
	Atomic(op MutationType, key, param []byte)

	// Commit atomically applies the transaction. On ErrNotCommitted or other
	// retryable errors the caller may rebuild the work in a fresh
	// transaction.
	Commit(ctx context.Context) error

	// Cancel abandons the transaction. Safe to call after Commit.
	Cancel()

	// SetOption adjusts a per-transaction knob before any work is done.
	SetOption(opt TransactionOption, value int64)

	// GetVersionstamp returns the 12-byte versionstamp assigned at commit.
	// The returned function must only be called after a successful Commit.
	GetVersionstamp() func() ([]byte, error)

	// Watch registers interest in key. The returned channel receives one
	// value after a committed change to key, once the transaction that
	// created the watch has itself committed.
	Watch(key []byte) <-chan struct{}
}

// RangeOptions bound a range read.
type RangeOptions struct {
	Limit   int
	Reverse bool
	// Snapshot range reads add no conflict ranges.
	Snapshot bool
}

// An Iterator streams the key-value pairs of a range read. Usage:
//
//	it := tx.GetRange(ctx, begin, end, kv.RangeOptions{})
//	for it.Next() {
//		k, v := it.Key(), it.Value()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close()
}

// A KeySelector names a key position relative to an anchor key, resolved
// against the ordered keyspace at read time.
type KeySelector struct {
	Key []byte
	// OrEqual and Offset follow the usual selector algebra: the selector
	// resolves to the Offset'th key at-or-after (FirstGreaterOrEqual) or
	// after (FirstGreaterThan) the anchor.
	OrEqual bool
	Offset  int
}

// FirstGreaterOrEqual selects the first key >= key.
func FirstGreaterOrEqual(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: false, Offset: 1}
}

// FirstGreaterThan selects the first key > key.
func FirstGreaterThan(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: true, Offset: 1}
}

// LastLessThan selects the last key < key.
func LastLessThan(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: false, Offset: 0}
}

// LastLessOrEqual selects the last key <= key.
func LastLessOrEqual(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: true, Offset: 0}
}

// TransactionOption names a per-transaction knob.
type TransactionOption uint8

const (
	// OptionTimeoutMillis bounds the transaction's lifetime; 0 disables.
	OptionTimeoutMillis TransactionOption = iota + 1
	// OptionSizeLimit caps the bytes the transaction may write.
	OptionSizeLimit
)

// MutationType enumerates the conflict-free atomic operations.
type MutationType uint8

const (
	// Add treats the existing value and param as little-endian integers and
	// stores their sum. A missing existing value reads as zero.
	Add MutationType = iota + 1
	// Max / Min store the larger/smaller of the existing value and param as
	// little-endian unsigned integers.
	Max
	Min
	// BitAnd, BitOr, BitXor apply the bitwise op over the value bytes.
	BitAnd
	BitOr
	BitXor
	// ByteMin / ByteMax store the lexicographically smaller/larger of the
	// existing value and param.
	ByteMin
	ByteMax
	// AppendIfFits appends param to the existing value if the result stays
	// within the store's value size limit.
	AppendIfFits
	// CompareAndClear clears the key iff the existing value equals param.
	CompareAndClear
	// SetVersionstampedKey interprets the final 4 bytes of key as the
	// little-endian offset at which the commit versionstamp's first 10 bytes
	// are spliced into the key; param is the value to store.
	SetVersionstampedKey
	// SetVersionstampedValue splices the commit versionstamp into the value
	// at the offset named by its final 4 bytes.
	SetVersionstampedValue
)

func (m MutationType) String() string {
	switch m {
	case Add:
		return "ADD"
	case Max:
		return "MAX"
	case Min:
		return "MIN"
	case BitAnd:
		return "BIT_AND"
	case BitOr:
		return "BIT_OR"
	case BitXor:
		return "BIT_XOR"
	case ByteMin:
		return "BYTE_MIN"
	case ByteMax:
		return "BYTE_MAX"
	case AppendIfFits:
		return "APPEND_IF_FITS"
	case CompareAndClear:
		return "COMPARE_AND_CLEAR"
	case SetVersionstampedKey:
		return "SET_VERSIONSTAMPED_KEY"
	case SetVersionstampedValue:
		return "SET_VERSIONSTAMPED_VALUE"
	}
	return "UNKNOWN"
}
