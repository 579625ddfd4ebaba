// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package memkv

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/orderedkv/recordlayer/kv"
	"github.com/stretchr/testify/require"
)

func begin(t *testing.T, db *DB) kv.Transaction {
	t.Helper()
	tx, err := db.BeginTransaction(context.Background())
	require.NoError(t, err)
	return tx
}

func TestReadYourWrites(t *testing.T) {
	db := New()
	ctx := context.Background()
	tx := begin(t, db)
	tx.Set([]byte("a"), []byte("1"))
	v, err := tx.Get(ctx, []byte("a"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	require.NoError(t, tx.Commit(ctx))

	tx2 := begin(t, db)
	v, err = tx2.Get(ctx, []byte("a"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	tx2.Cancel()
}

func TestConflictDetection(t *testing.T) {
	db := New()
	ctx := context.Background()

	tx1 := begin(t, db)
	_, err := tx1.Get(ctx, []byte("k"), false)
	require.NoError(t, err)

	tx2 := begin(t, db)
	tx2.Set([]byte("k"), []byte("x"))
	require.NoError(t, tx2.Commit(ctx))

	tx1.Set([]byte("other"), []byte("y"))
	err = tx1.Commit(ctx)
	require.ErrorIs(t, err, kv.ErrNotCommitted)
	require.True(t, kv.IsRetryable(err, false))
}

func TestSnapshotReadAddsNoConflict(t *testing.T) {
	db := New()
	ctx := context.Background()

	tx1 := begin(t, db)
	_, err := tx1.Get(ctx, []byte("k"), true)
	require.NoError(t, err)

	tx2 := begin(t, db)
	tx2.Set([]byte("k"), []byte("x"))
	require.NoError(t, tx2.Commit(ctx))

	tx1.Set([]byte("other"), []byte("y"))
	require.NoError(t, tx1.Commit(ctx))
}

func TestRangeConflict(t *testing.T) {
	db := New()
	ctx := context.Background()

	tx1 := begin(t, db)
	it := tx1.GetRange(ctx, kv.FirstGreaterOrEqual([]byte("a")), kv.FirstGreaterOrEqual([]byte("z")), kv.RangeOptions{})
	for it.Next() {
	}
	require.NoError(t, it.Err())

	tx2 := begin(t, db)
	tx2.Set([]byte("m"), []byte("x"))
	require.NoError(t, tx2.Commit(ctx))

	tx1.Set([]byte("w"), []byte("y"))
	require.ErrorIs(t, tx1.Commit(ctx), kv.ErrNotCommitted)
}

func TestGetRangeOrderLimitReverse(t *testing.T) {
	db := New()
	ctx := context.Background()
	tx := begin(t, db)
	for _, k := range []string{"b", "d", "a", "c"} {
		tx.Set([]byte(k), []byte(k))
	}
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, db)
	defer tx.Cancel()

	var keys []string
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual([]byte("a")), kv.FirstGreaterOrEqual([]byte("e")), kv.RangeOptions{Limit: 3})
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"a", "b", "c"}, keys)

	keys = nil
	it = tx.GetRange(ctx, kv.FirstGreaterOrEqual([]byte("a")), kv.FirstGreaterOrEqual([]byte("e")), kv.RangeOptions{Limit: 2, Reverse: true})
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"d", "c"}, keys)
}

func TestAtomicAdd(t *testing.T) {
	db := New()
	ctx := context.Background()

	one := make([]byte, 8)
	binary.LittleEndian.PutUint64(one, 1)
	negOne := make([]byte, 8)
	binary.LittleEndian.PutUint64(negOne, ^uint64(0)) // two's complement -1

	tx := begin(t, db)
	tx.Atomic(kv.Add, []byte("n"), one)
	tx.Atomic(kv.Add, []byte("n"), one)
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, db)
	tx.Atomic(kv.Add, []byte("n"), negOne)
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, db)
	defer tx.Cancel()
	v, err := tx.Get(ctx, []byte("n"), false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), binary.LittleEndian.Uint64(v))
}

func TestAtomicAddsDoNotConflict(t *testing.T) {
	db := New()
	ctx := context.Background()
	one := make([]byte, 8)
	binary.LittleEndian.PutUint64(one, 1)

	tx1 := begin(t, db)
	tx1.Atomic(kv.Add, []byte("ctr"), one)

	tx2 := begin(t, db)
	tx2.Atomic(kv.Add, []byte("ctr"), one)
	require.NoError(t, tx2.Commit(ctx))
	require.NoError(t, tx1.Commit(ctx))

	tx := begin(t, db)
	defer tx.Cancel()
	v, err := tx.Get(ctx, []byte("ctr"), false)
	require.NoError(t, err)
	require.Equal(t, uint64(2), binary.LittleEndian.Uint64(v))
}

func TestCompareAndClear(t *testing.T) {
	db := New()
	ctx := context.Background()
	tx := begin(t, db)
	tx.Set([]byte("lease"), []byte("owner1"))
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, db)
	tx.Atomic(kv.CompareAndClear, []byte("lease"), []byte("wrong"))
	require.NoError(t, tx.Commit(ctx))
	tx = begin(t, db)
	v, err := tx.Get(ctx, []byte("lease"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("owner1"), v)
	tx.Cancel()

	tx = begin(t, db)
	tx.Atomic(kv.CompareAndClear, []byte("lease"), []byte("owner1"))
	require.NoError(t, tx.Commit(ctx))
	tx = begin(t, db)
	v, err = tx.Get(ctx, []byte("lease"), false)
	require.NoError(t, err)
	require.Nil(t, v)
	tx.Cancel()
}

func TestVersionstampedKey(t *testing.T) {
	db := New()
	ctx := context.Background()

	// Key: prefix byte, 10-byte placeholder, then the LE offset suffix.
	key := append([]byte{0x01}, make([]byte, 10)...)
	off := make([]byte, 4)
	binary.LittleEndian.PutUint32(off, 1)
	key = append(key, off...)

	tx := begin(t, db)
	tx.Atomic(kv.SetVersionstampedKey, key, []byte("val"))
	require.NoError(t, tx.Commit(ctx))
	stamp, err := tx.GetVersionstamp()()
	require.NoError(t, err)
	require.Len(t, stamp, 12)

	tx = begin(t, db)
	defer tx.Cancel()
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual([]byte{0x01}), kv.FirstGreaterOrEqual([]byte{0x02}), kv.RangeOptions{})
	require.True(t, it.Next())
	require.Equal(t, append([]byte{0x01}, stamp[:10]...), it.Key())
	require.Equal(t, []byte("val"), it.Value())
	require.False(t, it.Next())
}

func TestVersionstampsMonotone(t *testing.T) {
	db := New()
	ctx := context.Background()
	var prev []byte
	for i := 0; i < 5; i++ {
		tx := begin(t, db)
		tx.Set([]byte("k"), []byte{byte(i)})
		require.NoError(t, tx.Commit(ctx))
		stamp, err := tx.GetVersionstamp()()
		require.NoError(t, err)
		if prev != nil {
			require.Greater(t, string(stamp), string(prev))
		}
		prev = stamp
	}
}

func TestWatch(t *testing.T) {
	db := New()
	ctx := context.Background()

	tx := begin(t, db)
	ch := tx.Watch([]byte("w"))
	require.NoError(t, tx.Commit(ctx))

	select {
	case <-ch:
		t.Fatal("watch fired before any write")
	default:
	}

	tx = begin(t, db)
	tx.Set([]byte("w"), []byte("v"))
	require.NoError(t, tx.Commit(ctx))

	select {
	case <-ch:
	default:
		t.Fatal("watch did not fire")
	}
}

func TestClearRange(t *testing.T) {
	db := New()
	ctx := context.Background()
	tx := begin(t, db)
	for _, k := range []string{"a1", "a2", "b1"} {
		tx.Set([]byte(k), []byte("v"))
	}
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, db)
	tx.ClearRange([]byte("a"), []byte("b"))
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, db)
	defer tx.Cancel()
	var keys []string
	it := tx.GetRange(ctx, kv.FirstGreaterOrEqual(nil), kv.FirstGreaterOrEqual([]byte("z")), kv.RangeOptions{})
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"b1"}, keys)
}

func TestTransactionTooLarge(t *testing.T) {
	db := New()
	db.SetLimits(64, 0)
	ctx := context.Background()
	tx := begin(t, db)
	tx.Set([]byte("k"), make([]byte, 128))
	require.ErrorIs(t, tx.Commit(ctx), kv.ErrTransactionTooLarge)
	require.False(t, kv.IsRetryable(kv.ErrTransactionTooLarge, true))
}
