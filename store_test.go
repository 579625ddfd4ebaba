// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"context"
	"fmt"
	"testing"

	"github.com/orderedkv/recordlayer/index"
	"github.com/orderedkv/recordlayer/internal/base"
	"github.com/orderedkv/recordlayer/internal/memkv"
	"github.com/orderedkv/recordlayer/query"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/subspace"
	"github.com/orderedkv/recordlayer/tuple"
	"github.com/stretchr/testify/require"
)

// Test fixture: User and Order records mirroring the layer's documented
// scenarios.
type User struct {
	ID    int64   `json:"id"`
	Email string  `json:"email"`
	Age   int64   `json:"age"`
	City  string  `json:"city"`
	Vec   []float32 `json:"vec,omitempty"`
}

func (*User) RecordName() string { return "User" }

type Order struct {
	ID     int64  `json:"id"`
	City   string `json:"city"`
	Amount int64  `json:"amount"`
}

func (*Order) RecordName() string { return "Order" }

type Place struct {
	ID  int64   `json:"id"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (*Place) RecordName() string { return "Place" }

func testSchema(t testing.TB) *schema.Schema {
	t.Helper()
	userT, err := schema.NewRecordType("User").
		Field("id", schema.TypeInt64, func(r schema.Record) tuple.TupleElement { return r.(*User).ID }).
		Field("email", schema.TypeString, func(r schema.Record) tuple.TupleElement { return r.(*User).Email }).
		Field("age", schema.TypeInt64, func(r schema.Record) tuple.TupleElement { return r.(*User).Age }).
		Field("city", schema.TypeString, func(r schema.Record) tuple.TupleElement { return r.(*User).City }).
		VectorField("vec", func(r schema.Record) []float32 { return r.(*User).Vec }).
		PrimaryKey("id").
		Build()
	require.NoError(t, err)
	orderT, err := schema.NewRecordType("Order").
		Field("id", schema.TypeInt64, func(r schema.Record) tuple.TupleElement { return r.(*Order).ID }).
		Field("city", schema.TypeString, func(r schema.Record) tuple.TupleElement { return r.(*Order).City }).
		Field("amount", schema.TypeInt64, func(r schema.Record) tuple.TupleElement { return r.(*Order).Amount }).
		PrimaryKey("id").
		Build()
	require.NoError(t, err)

	placeT, err := schema.NewRecordType("Place").
		Field("id", schema.TypeInt64, func(r schema.Record) tuple.TupleElement { return r.(*Place).ID }).
		Field("lat", schema.TypeFloat64, func(r schema.Record) tuple.TupleElement { return r.(*Place).Lat }).
		Field("lng", schema.TypeFloat64, func(r schema.Record) tuple.TupleElement { return r.(*Place).Lng }).
		PrimaryKey("id").
		Build()
	require.NoError(t, err)

	s, err := schema.NewSchema(schema.V(1, 0, 0)).
		RecordType(userT).
		RecordType(orderT).
		RecordType(placeT).
		Index(&schema.IndexDefinition{
			Name: "byEmail", Kind: schema.IndexValue, KeyFieldPaths: []string{"email"},
			RecordTypes: []string{"User"}, Unique: true}).
		Index(&schema.IndexDefinition{
			Name: "byCity", Kind: schema.IndexValue, KeyFieldPaths: []string{"city"},
			RecordTypes: []string{"User"}}).
		Index(&schema.IndexDefinition{
			Name: "byCityAge", Kind: schema.IndexValue, KeyFieldPaths: []string{"city", "age"},
			RecordTypes: []string{"User"}}).
		Index(&schema.IndexDefinition{
			Name: "countByCity", Kind: schema.IndexCount, KeyFieldPaths: []string{"city"},
			RecordTypes: []string{"Order"}}).
		Index(&schema.IndexDefinition{
			Name: "sumAmountByCity", Kind: schema.IndexSum, KeyFieldPaths: []string{"city", "amount"},
			RecordTypes: []string{"Order"}}).
		Index(&schema.IndexDefinition{
			Name: "minAmountByCity", Kind: schema.IndexMin, KeyFieldPaths: []string{"city", "amount"},
			RecordTypes: []string{"Order"}}).
		Index(&schema.IndexDefinition{
			Name: "maxAmountByCity", Kind: schema.IndexMax, KeyFieldPaths: []string{"city", "amount"},
			RecordTypes: []string{"Order"}}).
		Index(&schema.IndexDefinition{
			Name: "userVersions", Kind: schema.IndexVersion, KeyFieldPaths: []string{"id"},
			RecordTypes: []string{"User"}}).
		Index(&schema.IndexDefinition{
			Name: "rankByAmount", Kind: schema.IndexRank, KeyFieldPaths: []string{"amount"},
			RecordTypes: []string{"Order"}}).
		Index(&schema.IndexDefinition{
			Name: "byLocation", Kind: schema.IndexSpatial, KeyFieldPaths: []string{"lat", "lng"},
			RecordTypes: []string{"Place"},
			Spatial: schema.SpatialOptions{Subkind: schema.SpatialGeographic, Dimensions: 2, Level: 16}}).
		Index(&schema.IndexDefinition{
			Name: "byVec", Kind: schema.IndexVector, KeyFieldPaths: []string{"vec"},
			RecordTypes: []string{"User"},
			Vector: schema.VectorOptions{Dimensions: 4, Metric: schema.MetricL2,
				Strategy: schema.StrategyHNSW, InlineInsert: true}}).
		Build()
	require.NoError(t, err)
	return s
}

func testSerializer() *JSONSerializer {
	return NewJSONSerializer().
		Register("User", func() schema.Record { return &User{} }).
		Register("Order", func() schema.Record { return &Order{} }).
		Register("Place", func() schema.Record { return &Place{} })
}

func openTestStore(t testing.TB, db *memkv.DB, opts *Options) *Store {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.Serializer == nil {
		opts.Serializer = testSerializer()
	}
	if opts.Logger == nil {
		opts.Logger = base.NopLogger
	}
	s, err := Open(context.Background(), db, subspace.FromBytes([]byte{0x01}), testSchema(t), opts)
	require.NoError(t, err)
	return s
}

func mustUpdate(t testing.TB, s *Store, fn func(ctx context.Context, txn *Txn) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), fn))
}

func collectAll(t testing.TB, s *Store, q query.Query) []query.Result {
	t.Helper()
	var out []query.Result
	require.NoError(t, s.View(context.Background(), func(ctx context.Context, txn *Txn) error {
		cur, err := txn.Query(ctx, q, nil)
		if err != nil {
			return err
		}
		defer cur.Close()
		out, err = drainCursor(ctx, cur)
		return err
	}))
	return out
}

// TestCRUDAndSecondaryIndex is the literal CRUD + secondary index scenario:
// two saves, an overwrite, a delete; primary storage and byEmail must end
// exactly right.
func TestCRUDAndSecondaryIndex(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)
	ctx := context.Background()

	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		return txn.SaveAll(ctx,
			&User{ID: 1, Email: "a"},
			&User{ID: 2, Email: "b"})
	})
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		return txn.Save(ctx, &User{ID: 1, Email: "c"})
	})
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		deleted, err := txn.Delete(ctx, "User", tuple.Tuple{int64(2)})
		require.True(t, deleted)
		return err
	})

	// Primary subspace holds exactly {1 -> email "c"}.
	results := collectAll(t, s, query.Query{RecordType: "User"})
	require.Len(t, results, 1)
	got := results[0].Record.(*User)
	require.Equal(t, int64(1), got.ID)
	require.Equal(t, "c", got.Email)

	// byEmail holds exactly {("c", 1)}.
	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		sub := s.indexSub("byEmail")
		begin, end := sub.Range()
		it := txn.tx.GetRange(ctx, firstGE(begin), firstGE(end), rangeAll())
		defer it.Close()
		var keys []tuple.Tuple
		for it.Next() {
			kt, err := sub.Unpack(it.Key())
			require.NoError(t, err)
			keys = append(keys, kt)
			require.Empty(t, it.Value())
		}
		require.Len(t, keys, 1)
		require.True(t, tuple.Equal(tuple.Tuple{"c", int64(1)}, keys[0]))
		return it.Err()
	}))
}

// TestCountIndexUnderChurn is the literal count scenario: three inserts, a
// group move, a delete.
func TestCountIndexUnderChurn(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)
	ctx := context.Background()

	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		return txn.SaveAll(ctx,
			&Order{ID: 1, City: "T"},
			&Order{ID: 2, City: "T"},
			&Order{ID: 3, City: "K"})
	})
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		return txn.Save(ctx, &Order{ID: 1, City: "K"})
	})
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		_, err := txn.Delete(ctx, "Order", tuple.Tuple{int64(2)})
		return err
	})

	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		n, err := txn.Count(ctx, "countByCity", tuple.Tuple{"T"})
		require.NoError(t, err)
		require.Equal(t, int64(0), n)
		n, err = txn.Count(ctx, "countByCity", tuple.Tuple{"K"})
		require.NoError(t, err)
		require.Equal(t, int64(2), n)
		return nil
	}))
}

// TestUniquenessViolationAborts is the literal uniqueness scenario: the
// second save in the transaction trips the constraint and nothing persists.
func TestUniquenessViolationAborts(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)
	ctx := context.Background()

	err := s.Update(ctx, func(ctx context.Context, txn *Txn) error {
		if err := txn.Save(ctx, &User{ID: 1, Email: "x"}); err != nil {
			return err
		}
		return txn.Save(ctx, &User{ID: 2, Email: "x"})
	})
	var uv *index.UniquenessViolation
	require.ErrorAs(t, err, &uv)
	require.Equal(t, "byEmail", uv.IndexName)
	require.True(t, tuple.Equal(tuple.Tuple{int64(1)}, uv.ExistingPK))
	require.True(t, tuple.Equal(tuple.Tuple{int64(2)}, uv.NewPK))

	// The whole transaction aborted: no records, no index entries.
	require.Empty(t, collectAll(t, s, query.Query{RecordType: "User"}))
	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		begin, end := s.indexSub("byEmail").Range()
		it := txn.tx.GetRange(ctx, firstGE(begin), firstGE(end), rangeAll())
		defer it.Close()
		require.False(t, it.Next())
		return it.Err()
	}))
}

func TestAggregates(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)
	ctx := context.Background()

	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		return txn.SaveAll(ctx,
			&Order{ID: 1, City: "T", Amount: 30},
			&Order{ID: 2, City: "T", Amount: 10},
			&Order{ID: 3, City: "K", Amount: 99})
	})

	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		sum, err := txn.Sum(ctx, "sumAmountByCity", tuple.Tuple{"T"})
		require.NoError(t, err)
		require.Equal(t, int64(40), sum)

		lo, ok, err := txn.Min(ctx, "minAmountByCity", tuple.Tuple{"T"})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(10), lo)

		hi, ok, err := txn.Max(ctx, "maxAmountByCity", tuple.Tuple{"T"})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(30), hi)

		rank, err := txn.Rank(ctx, "rankByAmount", tuple.Tuple{int64(99)})
		require.NoError(t, err)
		require.Equal(t, int64(2), rank)
		return nil
	}))
}

// TestVersionIndexMonotonicity: versionstamps across repeated saves are
// strictly increasing in commit order.
func TestVersionIndexMonotonicity(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
			return txn.Save(ctx, &User{ID: 7, Email: "v", Age: int64(i)})
		})
	}
	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		history, err := txn.VersionHistory(ctx, "userVersions", tuple.Tuple{int64(7)})
		require.NoError(t, err)
		require.Len(t, history, 5)
		for i := 1; i < len(history); i++ {
			require.Less(t, string(history[i-1].Bytes()), string(history[i].Bytes()))
		}
		return nil
	}))
}

// TestIndexConsistency exercises P3: after arbitrary save/delete churn, the
// byCity entry set equals the ground-truth recomputation.
func TestIndexConsistency(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)
	ctx := context.Background()

	live := map[int64]*User{}
	ops := []struct {
		del bool
		u   *User
	}{
		{u: &User{ID: 1, Email: "a@1", City: "T"}},
		{u: &User{ID: 2, Email: "a@2", City: "K"}},
		{u: &User{ID: 3, Email: "a@3", City: "T"}},
		{u: &User{ID: 1, Email: "a@1b", City: "K"}},
		{del: true, u: &User{ID: 2}},
		{u: &User{ID: 4, Email: "a@4", City: "T"}},
		{u: &User{ID: 3, Email: "a@3b", City: "T"}},
		{del: true, u: &User{ID: 9}}, // no-op delete
	}
	for _, op := range ops {
		op := op
		mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
			if op.del {
				_, err := txn.Delete(ctx, "User", tuple.Tuple{op.u.ID})
				delete(live, op.u.ID)
				return err
			}
			live[op.u.ID] = op.u
			return txn.Save(ctx, op.u)
		})
	}

	want := map[string]bool{}
	for _, u := range live {
		want[tuple.Tuple{u.City, u.ID}.String()] = true
	}
	got := map[string]bool{}
	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		sub := s.indexSub("byCity")
		begin, end := sub.Range()
		it := txn.tx.GetRange(ctx, firstGE(begin), firstGE(end), rangeAll())
		defer it.Close()
		for it.Next() {
			kt, err := sub.Unpack(it.Key())
			require.NoError(t, err)
			got[kt.String()] = true
		}
		return it.Err()
	}))
	require.Equal(t, want, got)
}

// TestSubspaceIsolation exercises P12: clearing one record type disturbs
// nothing else.
func TestSubspaceIsolation(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)
	ctx := context.Background()

	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		return txn.SaveAll(ctx,
			&User{ID: 1, Email: "a", City: "T"},
			&Order{ID: 1, City: "T", Amount: 5})
	})
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		return txn.ClearRecordType("User")
	})

	// User records gone; Order records, index entries, and metadata intact.
	require.Empty(t, collectAll(t, s, query.Query{RecordType: "User"}))
	require.Len(t, collectAll(t, s, query.Query{RecordType: "Order"}), 1)
	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		n, err := txn.Count(ctx, "countByCity", tuple.Tuple{"T"})
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		_, ok, err := txn.SchemaVersion(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		// byEmail entries survive the record clear (the scrubber reclaims
		// them).
		begin, end := s.indexSub("byEmail").Range()
		it := txn.tx.GetRange(ctx, firstGE(begin), firstGE(end), rangeAll())
		defer it.Close()
		require.True(t, it.Next())
		return it.Err()
	}))
}

func TestQueryWithIndexAndContinuation(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)
	ctx := context.Background()

	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		for i := int64(1); i <= 10; i++ {
			city := "T"
			if i%2 == 0 {
				city = "K"
			}
			if err := txn.Save(ctx, &User{ID: i, Email: string(rune('a'+i)), City: city, Age: 20 + i}); err != nil {
				return err
			}
		}
		return nil
	})

	q := query.Query{RecordType: "User", Filter: query.F("city").Equals("T")}

	// Page through two at a time via continuations across transactions.
	var ids []int64
	var cont []byte
	for {
		var page []query.Result
		require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
			cur, err := txn.Query(ctx, q, cont)
			if err != nil {
				return err
			}
			defer cur.Close()
			for len(page) < 2 {
				res, ok, err := cur.Next(ctx)
				if err != nil {
					return err
				}
				if !ok {
					cont = nil
					return nil
				}
				page = append(page, res)
			}
			cont = cur.Continuation()
			return nil
		}))
		for _, r := range page {
			ids = append(ids, r.Record.(*User).ID)
		}
		if cont == nil {
			break
		}
	}
	require.Equal(t, []int64{1, 3, 5, 7, 9}, ids)
}

// TestQueryPlannerSoundness exercises P9 on a handful of filters: the
// chosen plan returns the same record set as an unindexed scan and filter.
func TestQueryPlannerSoundness(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)

	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		for i := int64(1); i <= 30; i++ {
			u := &User{
				ID:    i,
				Email: fmt.Sprintf("u%d@x", i),
				City:  []string{"T", "K", "P"}[i%3],
				Age:   20 + i%15,
			}
			if err := txn.Save(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})

	filters := []query.Component{
		query.F("city").Equals("T"),
		query.And(query.F("city").Equals("T"), query.F("age").GreaterOrEqual(int64(25)), query.F("age").LessOrEqual(int64(30))),
		query.Or(query.F("city").Equals("T"), query.F("age").Equals(int64(21))),
		query.F("city").In("T", "K"),
		query.Not(query.F("city").Equals("T")),
	}
	for _, f := range filters {
		planned := collectAll(t, s, query.Query{RecordType: "User", Filter: f})
		ground := collectAll(t, s, query.Query{RecordType: "User"})

		rt, err := s.schema.RecordType("User")
		require.NoError(t, err)
		want := map[int64]bool{}
		for _, r := range ground {
			ok, err := f.Eval(rt, r.Record)
			require.NoError(t, err)
			if ok {
				want[r.Record.(*User).ID] = true
			}
		}
		got := map[int64]bool{}
		for _, r := range planned {
			got[r.Record.(*User).ID] = true
		}
		require.Equal(t, want, got, "filter %s", query.Describe(f))
		require.Len(t, planned, len(want), "duplicates from filter %s", query.Describe(f))
	}
}

func TestWatchRecord(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)

	var ch <-chan struct{}
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		ch = txn.Watch("User", tuple.Tuple{int64(1)})
		return nil
	})
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		return txn.Save(ctx, &User{ID: 1, Email: "w"})
	})
	select {
	case <-ch:
	default:
		t.Fatal("watch did not fire after record change")
	}
}

func TestWithinRegion(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)
	ctx := context.Background()

	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		return txn.SaveAll(ctx,
			&Place{ID: 1, Lat: 35.68, Lng: 139.76},
			&Place{ID: 2, Lat: 35.44, Lng: 139.64},
			&Place{ID: 3, Lat: 48.85, Lng: 2.35})
	})

	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		res, err := txn.WithinRegion(ctx, "Place", []string{"lat", "lng"},
			index.Region{Min: []float64{34, 138}, Max: []float64{37, 141}})
		require.NoError(t, err)
		ids := map[int64]bool{}
		for _, r := range res {
			ids[r.Record.(*Place).ID] = true
		}
		require.Equal(t, map[int64]bool{1: true, 2: true}, ids)
		return nil
	}))
}

func TestSchemaVersionPersisted(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)
	ctx := context.Background()

	v, ok, err := s.PersistedSchemaVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schema.V(1, 0, 0), v)

	// Reopening an initialized keyspace keeps the version.
	s2 := openTestStore(t, db, nil)
	v, ok, err = s2.PersistedSchemaVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schema.V(1, 0, 0), v)
}
