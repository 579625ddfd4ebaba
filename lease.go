// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/tuple"
)

// The migration lease at metadata/migrationLock serializes migrations
// across processes: (owner, expiresAt). Acquisition reads the key under
// conflict so two concurrent acquirers cannot both win; release uses
// COMPARE_AND_CLEAR so only the holder's exact lease is cleared, making a
// retried release harmless.

func (s *Store) migrationLockKey() []byte {
	return s.metadataSub.Pack(tuple.Tuple{"migrationLock"})
}

func leaseValue(owner []byte, expiresAt time.Time) []byte {
	return tuple.Tuple{owner, expiresAt.UnixNano()}.Pack()
}

// AcquireMigrationLease takes or refreshes the migration lease for owner.
// A live lease held by someone else fails with a migration conflict.
func (t *Txn) AcquireMigrationLease(ctx context.Context, owner []byte, ttl time.Duration) error {
	key := t.s.migrationLockKey()
	existing, err := t.tx.Get(ctx, key, false)
	if err != nil {
		return err
	}
	now := time.Now()
	if existing != nil {
		et, err := tuple.Unpack(existing)
		if err != nil || len(et) != 2 {
			return errors.Mark(errors.Newf("recordlayer: malformed migration lease"), base.ErrMigrationConflict)
		}
		holder, _ := et[0].([]byte)
		expiresAt, _ := et[1].(int64)
		if string(holder) != string(owner) && now.UnixNano() < expiresAt {
			return errors.Mark(
				errors.Newf("recordlayer: migration lease held by %x until %s",
					holder, time.Unix(0, expiresAt)),
				base.ErrMigrationConflict)
		}
	}
	t.tx.Set(key, leaseValue(owner, now.Add(ttl)))
	return nil
}

// ReleaseMigrationLease clears the lease iff it still carries exactly this
// value.
func (t *Txn) ReleaseMigrationLease(leased []byte) {
	t.tx.Atomic(kv.CompareAndClear, t.s.migrationLockKey(), leased)
}

// HoldMigrationLease acquires the lease in its own transaction and returns
// the exact lease value for the later release.
func (s *Store) HoldMigrationLease(ctx context.Context, owner []byte, ttl time.Duration) ([]byte, error) {
	var leased []byte
	err := s.Update(ctx, func(ctx context.Context, txn *Txn) error {
		if err := txn.AcquireMigrationLease(ctx, owner, ttl); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Re-read the written value for the compare-and-clear release. The
	// acquire rewrites expiry, so read it back rather than recomputing.
	err = s.View(ctx, func(ctx context.Context, txn *Txn) error {
		v, err := txn.tx.Get(ctx, s.migrationLockKey(), false)
		leased = v
		return err
	})
	return leased, err
}

// ReleaseMigrationLeaseValue clears the lease in its own transaction.
func (s *Store) ReleaseMigrationLeaseValue(ctx context.Context, leased []byte) error {
	return s.UpdateIdempotent(ctx, func(ctx context.Context, txn *Txn) error {
		txn.ReleaseMigrationLease(leased)
		return nil
	})
}

// AdvanceSchemaVersion persists a new schema version in its own
// transaction.
func (s *Store) AdvanceSchemaVersion(ctx context.Context, v schema.Version) error {
	return s.UpdateIdempotent(ctx, func(ctx context.Context, txn *Txn) error {
		txn.setSchemaVersion(v)
		return nil
	})
}

// PersistedSchemaVersion reads the stored version in its own transaction.
func (s *Store) PersistedSchemaVersion(ctx context.Context) (schema.Version, bool, error) {
	var v schema.Version
	var ok bool
	err := s.View(ctx, func(ctx context.Context, txn *Txn) error {
		var err error
		v, ok, err = txn.SchemaVersion(ctx)
		return err
	})
	return v, ok, err
}
