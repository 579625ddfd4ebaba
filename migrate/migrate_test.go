// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package migrate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	recordlayer "github.com/orderedkv/recordlayer"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/internal/memkv"
	"github.com/orderedkv/recordlayer/query"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
	"github.com/stretchr/testify/require"
)

type account struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Tier string `json:"tier"`
}

func (*account) RecordName() string { return "Account" }

func accountType(t testing.TB) *schema.RecordType {
	t.Helper()
	rt, err := schema.NewRecordType("Account").
		Field("id", schema.TypeInt64, func(r schema.Record) tuple.TupleElement { return r.(*account).ID }).
		Field("name", schema.TypeString, func(r schema.Record) tuple.TupleElement { return r.(*account).Name }).
		Field("tier", schema.TypeString, func(r schema.Record) tuple.TupleElement { return r.(*account).Tier }).
		PrimaryKey("id").
		Build()
	require.NoError(t, err)
	return rt
}

func schemaV1(t testing.TB) *schema.Schema {
	t.Helper()
	s, err := schema.NewSchema(schema.V(1, 0, 0)).
		RecordType(accountType(t)).
		Index(&schema.IndexDefinition{Name: "byName", Kind: schema.IndexValue, KeyFieldPaths: []string{"name"}}).
		Build()
	require.NoError(t, err)
	return s
}

func schemaV2(t testing.TB) *schema.Schema {
	t.Helper()
	s, err := schema.NewSchema(schema.V(2, 0, 0)).
		RecordType(accountType(t)).
		Index(&schema.IndexDefinition{Name: "byName", Kind: schema.IndexValue, KeyFieldPaths: []string{"name"}}).
		Index(&schema.IndexDefinition{Name: "byTier", Kind: schema.IndexValue, KeyFieldPaths: []string{"tier"},
			AddedAtVersion: schema.V(2, 0, 0)}).
		Build()
	require.NoError(t, err)
	return s
}

func serializer() recordlayer.RecordSerializer {
	return recordlayer.NewJSONSerializer().
		Register("Account", func() schema.Record { return &account{} })
}

func openStore(t testing.TB, db *memkv.DB, sc *schema.Schema) *recordlayer.Store {
	t.Helper()
	s, err := recordlayer.Open(context.Background(), db, subspace.FromBytes([]byte{0x05}), sc,
		&recordlayer.Options{Serializer: serializer(), Logger: base.NopLogger,
			OnlineIndexerBatchSize: 50, OnlineIndexerThrottle: time.Millisecond})
	require.NoError(t, err)
	return s
}

func TestLightweightMigration(t *testing.T) {
	db := memkv.New()
	ctx := context.Background()

	// Populate at v1.
	v1 := openStore(t, db, schemaV1(t))
	require.NoError(t, v1.Update(ctx, func(ctx context.Context, txn *recordlayer.Txn) error {
		for i := int64(1); i <= 120; i++ {
			a := &account{ID: i, Name: fmt.Sprintf("acct-%d", i), Tier: []string{"free", "pro"}[i%2]}
			if err := txn.Save(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))

	// Reopen at v2: the new index exists in the schema but is disabled on
	// disk until the migration builds it.
	v2 := openStore(t, db, schemaV2(t))

	mig, err := DeriveLightweight(schemaV1(t), schemaV2(t))
	require.NoError(t, err)
	require.Equal(t, schema.V(1, 0, 0), mig.From)
	require.Equal(t, schema.V(2, 0, 0), mig.To)

	mgr := NewManager(v2).Register(mig)
	require.NoError(t, mgr.Migrate(ctx, schema.V(2, 0, 0)))

	got, ok, err := v2.PersistedSchemaVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schema.V(2, 0, 0), got)

	// The built index answers queries.
	require.NoError(t, v2.View(ctx, func(ctx context.Context, txn *recordlayer.Txn) error {
		cur, err := txn.Query(ctx, query.Query{
			RecordType: "Account",
			Filter:     query.F("tier").Equals("pro"),
		}, nil)
		if err != nil {
			return err
		}
		defer cur.Close()
		n := 0
		for {
			_, more, err := cur.Next(ctx)
			if err != nil {
				return err
			}
			if !more {
				break
			}
			n++
		}
		require.Equal(t, 60, n)
		return nil
	}))

	// Idempotence: a second run leaves everything as is.
	require.NoError(t, mgr.Migrate(ctx, schema.V(2, 0, 0)))
	got, _, err = v2.PersistedSchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.V(2, 0, 0), got)
}

func TestMigrateNoPath(t *testing.T) {
	db := memkv.New()
	s := openStore(t, db, schemaV1(t))
	mgr := NewManager(s)
	err := mgr.Migrate(context.Background(), schema.V(9, 0, 0))
	require.True(t, errors.Is(err, base.ErrMigrationConflict))
}

func TestMigrateLeaseConflict(t *testing.T) {
	db := memkv.New()
	ctx := context.Background()
	v1 := openStore(t, db, schemaV1(t))

	// Another owner holds a live lease.
	other, err := v1.HoldMigrationLease(ctx, []byte("other-owner"), time.Hour)
	require.NoError(t, err)

	v2 := openStore(t, db, schemaV2(t))
	mig, err := DeriveLightweight(schemaV1(t), schemaV2(t))
	require.NoError(t, err)
	err = NewManager(v2).Register(mig).Migrate(ctx, schema.V(2, 0, 0))
	require.True(t, errors.Is(err, base.ErrMigrationConflict))

	// The store stays at the prior version.
	got, _, err := v2.PersistedSchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.V(1, 0, 0), got)

	// Releasing the foreign lease unblocks the migration.
	require.NoError(t, v1.ReleaseMigrationLeaseValue(ctx, other))
	require.NoError(t, NewManager(v2).Register(mig).Migrate(ctx, schema.V(2, 0, 0)))
}

func TestDeriveLightweightRejectsRemoval(t *testing.T) {
	// v1 -> a schema missing byName is not additive.
	bare, err := schema.NewSchema(schema.V(2, 0, 0)).
		RecordType(accountType(t)).
		Build()
	require.NoError(t, err)
	_, err = DeriveLightweight(schemaV1(t), bare)
	require.True(t, errors.Is(err, base.ErrSchema))
}

func TestRemoveIndexRecordsFormer(t *testing.T) {
	db := memkv.New()
	ctx := context.Background()
	s := openStore(t, db, schemaV2(t))

	mc := &Context{store: s}
	require.NoError(t, mc.RemoveIndex("byTier", schema.V(2, 0, 0)))

	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *recordlayer.Txn) error {
		former, err := txn.FormerIndexes(ctx)
		require.NoError(t, err)
		require.Len(t, former, 1)
		require.Equal(t, "byTier", former[0].Name)

		st, err := txn.IndexState(ctx, "byTier")
		require.NoError(t, err)
		require.Equal(t, schema.StateDisabled, st)
		return nil
	}))

	// Queries against the removed index refuse to run.
	err := s.View(ctx, func(ctx context.Context, txn *recordlayer.Txn) error {
		_, err := txn.Query(ctx, query.Query{
			RecordType: "Account",
			Filter:     query.F("tier").Equals("pro"),
			Sort:       &query.Sort{Field: "tier"},
		}, nil)
		return err
	})
	require.True(t, errors.Is(err, base.ErrIndexNotReadable))
}