// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package memkv is an in-process implementation of the kv contract: ordered
// byte keys, strictly-serializable transactions with optimistic conflict
// detection, atomic mutations, commit versionstamps, and watches.
//
// It exists as the reference semantics for the contract and as the backend
// for the test suite. It is not a durable store.
package memkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/orderedkv/recordlayer/kv"
)

type item struct {
	key   []byte
	value []byte
}

func less(a, b item) bool { return bytes.Compare(a.key, b.key) < 0 }

// DB is an in-memory ordered store.
type DB struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[item]
	version uint64
	// history holds the write footprints of recent commits for OCC checks.
	// Entries older than the oldest live read version are pruned lazily.
	history []commitRecord
	watches map[string][]chan struct{}

	// Limits mirror the consumed store's defaults.
	sizeLimit    int
	timeout      time.Duration
	appendLimit  int
	liveReadVers map[uint64]int
}

type commitRecord struct {
	version uint64
	writes  []keyRange // point writes are [k, k+0x00)
}

type keyRange struct {
	begin, end []byte
}

func (r keyRange) contains(k []byte) bool {
	return bytes.Compare(r.begin, k) <= 0 && bytes.Compare(k, r.end) < 0
}

func (r keyRange) overlaps(o keyRange) bool {
	return bytes.Compare(r.begin, o.end) < 0 && bytes.Compare(o.begin, r.end) < 0
}

func pointRange(k []byte) keyRange {
	return keyRange{begin: append([]byte(nil), k...), end: append(append([]byte(nil), k...), 0x00)}
}

// New returns an empty store with the standard limits: 10 MB transactions,
// 5 s transaction timeout.
func New() *DB {
	return &DB{
		tree:         btree.NewG[item](16, less),
		watches:      map[string][]chan struct{}{},
		sizeLimit:    10_000_000,
		timeout:      5 * time.Second,
		appendLimit:  1 << 17,
		liveReadVers: map[uint64]int{},
	}
}

// SetLimits overrides the transaction size limit and timeout; zero keeps the
// current value. Used by tests exercising the fatal error paths.
func (db *DB) SetLimits(sizeLimit int, timeout time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if sizeLimit > 0 {
		db.sizeLimit = sizeLimit
	}
	if timeout > 0 {
		db.timeout = timeout
	}
}

// BeginTransaction implements kv.Database.
func (db *DB) BeginTransaction(ctx context.Context) (kv.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	tx := &transaction{
		db:          db,
		snapshot:    db.tree.Clone(),
		readVersion: db.version,
		deadline:    time.Now().Add(db.timeout),
		sizeLimit:   db.sizeLimit,
	}
	db.liveReadVers[db.version]++
	return tx, nil
}

type opKind uint8

const (
	opSet opKind = iota
	opClear
	opClearRange
	opAtomic
)

type writeOp struct {
	kind     opKind
	key      []byte
	value    []byte
	end      []byte // opClearRange
	mutation kv.MutationType
}

type transaction struct {
	db          *DB
	snapshot    *btree.BTreeG[item]
	readVersion uint64
	deadline    time.Time
	sizeLimit   int

	reads    []keyRange
	ops      []writeOp
	written  int
	stamp      []byte
	finished   bool
	watchReg   [][]byte
	watchChans map[string]chan struct{}
}

var _ kv.Transaction = (*transaction)(nil)

func (tx *transaction) Get(ctx context.Context, key []byte, snapshot bool) ([]byte, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	if !snapshot {
		tx.reads = append(tx.reads, pointRange(key))
	}
	if it, ok := tx.snapshot.Get(item{key: key}); ok {
		// A present key with an empty value must read as non-nil.
		out := make([]byte, len(it.value))
		copy(out, it.value)
		return out, nil
	}
	return nil, nil
}

func (tx *transaction) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if time.Now().After(tx.deadline) {
		return kv.ErrTransactionTimedOut
	}
	return nil
}

func (tx *transaction) Set(key, value []byte) {
	key, value = dup(key), dup(value)
	tx.written += len(key) + len(value)
	tx.ops = append(tx.ops, writeOp{kind: opSet, key: key, value: value})
	tx.snapshot.ReplaceOrInsert(item{key: key, value: value})
}

func (tx *transaction) Clear(key []byte) {
	key = dup(key)
	tx.written += len(key)
	tx.ops = append(tx.ops, writeOp{kind: opClear, key: key})
	tx.snapshot.Delete(item{key: key})
}

func (tx *transaction) ClearRange(begin, end []byte) {
	begin, end = dup(begin), dup(end)
	tx.written += len(begin) + len(end)
	tx.ops = append(tx.ops, writeOp{kind: opClearRange, key: begin, end: end})
	deleteRange(tx.snapshot, begin, end)
}

func (tx *transaction) Atomic(op kv.MutationType, key, param []byte) {
	key, param = dup(key), dup(param)
	tx.written += len(key) + len(param)
	tx.ops = append(tx.ops, writeOp{kind: opAtomic, key: key, value: param, mutation: op})
	// Read-your-writes for atomics against the local view. Versionstamped
	// mutations splice a placeholder stamp locally; the real stamp is
	// assigned at commit.
	applyAtomic(tx.snapshot, op, key, param, placeholderStamp, 1<<17)
}

var placeholderStamp = make([]byte, 10)

func (tx *transaction) GetRange(ctx context.Context, begin, end kv.KeySelector, opt kv.RangeOptions) kv.Iterator {
	if err := tx.check(ctx); err != nil {
		return &rangeIterator{err: err}
	}
	b := tx.resolve(begin)
	e := tx.resolve(end)
	if !opt.Snapshot {
		tx.reads = append(tx.reads, keyRange{begin: dup(b), end: dup(e)})
	}
	var items []item
	tx.snapshot.AscendRange(item{key: b}, item{key: e}, func(it item) bool {
		items = append(items, item{key: dup(it.key), value: dup(it.value)})
		return opt.Limit <= 0 || len(items) < opt.Limit || opt.Reverse
	})
	if opt.Reverse {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
		if opt.Limit > 0 && len(items) > opt.Limit {
			items = items[:opt.Limit]
		}
	}
	return &rangeIterator{items: items, pos: -1}
}

// resolve maps a key selector onto a concrete boundary key in the current
// view. The four constructor forms of kv.KeySelector are supported.
func (tx *transaction) resolve(sel kv.KeySelector) []byte {
	switch {
	case !sel.OrEqual && sel.Offset == 1: // first >= key
		return sel.Key
	case sel.OrEqual && sel.Offset == 1: // first > key
		return append(append([]byte(nil), sel.Key...), 0x00)
	case sel.OrEqual && sel.Offset == 0: // last <= key: boundary just above it
		return append(append([]byte(nil), sel.Key...), 0x00)
	default: // last < key
		return sel.Key
	}
}

type rangeIterator struct {
	items []item
	pos   int
	err   error
}

func (it *rangeIterator) Next() bool {
	if it.err != nil || it.pos+1 >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *rangeIterator) Key() []byte   { return it.items[it.pos].key }
func (it *rangeIterator) Value() []byte { return it.items[it.pos].value }
func (it *rangeIterator) Err() error    { return it.err }
func (it *rangeIterator) Close()        {}

func (tx *transaction) Commit(ctx context.Context) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if tx.finished {
		return kv.NewError(kv.CodeNotCommitted, "transaction already finished")
	}
	if tx.written > tx.sizeLimit {
		return kv.ErrTransactionTooLarge
	}
	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	tx.release()
	tx.finished = true

	// OCC: any committed write after our read version intersecting our read
	// set conflicts.
	for _, c := range db.history {
		if c.version <= tx.readVersion {
			continue
		}
		for _, w := range c.writes {
			for _, r := range tx.reads {
				if w.overlaps(r) {
					return kv.ErrNotCommitted
				}
			}
		}
	}

	db.version++
	stamp := make([]byte, 10)
	binary.BigEndian.PutUint64(stamp[:8], db.version)
	tx.stamp = stamp

	rec := commitRecord{version: db.version}
	var touched [][]byte
	for _, op := range tx.ops {
		switch op.kind {
		case opSet:
			db.tree.ReplaceOrInsert(item{key: op.key, value: op.value})
			rec.writes = append(rec.writes, pointRange(op.key))
			touched = append(touched, op.key)
		case opClear:
			db.tree.Delete(item{key: op.key})
			rec.writes = append(rec.writes, pointRange(op.key))
			touched = append(touched, op.key)
		case opClearRange:
			deleteRange(db.tree, op.key, op.end)
			rec.writes = append(rec.writes, keyRange{begin: op.key, end: op.end})
		case opAtomic:
			finalKey := applyAtomic(db.tree, op.mutation, op.key, op.value, stamp, db.appendLimit)
			rec.writes = append(rec.writes, pointRange(finalKey))
			touched = append(touched, finalKey)
		}
	}
	db.history = append(db.history, rec)
	db.pruneHistoryLocked()

	for _, k := range touched {
		if chans := db.watches[string(k)]; len(chans) > 0 {
			for _, ch := range chans {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			delete(db.watches, string(k))
		}
	}
	for _, k := range tx.watchReg {
		db.registerWatchLocked(k, tx.watchChans[string(k)])
	}
	return nil
}

func (tx *transaction) Cancel() {
	if tx.finished {
		return
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.release()
	tx.finished = true
}

func (tx *transaction) release() {
	db := tx.db
	if n := db.liveReadVers[tx.readVersion]; n <= 1 {
		delete(db.liveReadVers, tx.readVersion)
	} else {
		db.liveReadVers[tx.readVersion] = n - 1
	}
}

func (db *DB) pruneHistoryLocked() {
	oldest := db.version
	for v := range db.liveReadVers {
		if v < oldest {
			oldest = v
		}
	}
	i := 0
	for i < len(db.history) && db.history[i].version <= oldest {
		i++
	}
	db.history = db.history[i:]
}

func (tx *transaction) SetOption(opt kv.TransactionOption, value int64) {
	switch opt {
	case kv.OptionTimeoutMillis:
		if value > 0 {
			tx.deadline = time.Now().Add(time.Duration(value) * time.Millisecond)
		} else {
			tx.deadline = time.Now().Add(24 * time.Hour)
		}
	case kv.OptionSizeLimit:
		if value > 0 {
			tx.sizeLimit = int(value)
		}
	}
}

func (tx *transaction) GetVersionstamp() func() ([]byte, error) {
	return func() ([]byte, error) {
		if tx.stamp == nil {
			return nil, kv.NewError(kv.CodeNotCommitted, "versionstamp unavailable before commit")
		}
		// 10 transaction-version bytes plus a zero user version.
		return append(append([]byte(nil), tx.stamp...), 0, 0), nil
	}
}

func (tx *transaction) Watch(key []byte) <-chan struct{} {
	ch := make(chan struct{}, 1)
	if tx.watchChans == nil {
		tx.watchChans = map[string]chan struct{}{}
	}
	key = dup(key)
	tx.watchChans[string(key)] = ch
	tx.watchReg = append(tx.watchReg, key)
	return ch
}

func (db *DB) registerWatchLocked(key []byte, ch chan struct{}) {
	db.watches[string(key)] = append(db.watches[string(key)], ch)
}

func deleteRange(t *btree.BTreeG[item], begin, end []byte) {
	var doomed [][]byte
	t.AscendRange(item{key: begin}, item{key: end}, func(it item) bool {
		doomed = append(doomed, it.key)
		return true
	})
	for _, k := range doomed {
		t.Delete(item{key: k})
	}
}

func dup(b []byte) []byte { return append([]byte(nil), b...) }
