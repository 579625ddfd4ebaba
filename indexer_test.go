// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/orderedkv/recordlayer/index"
	"github.com/orderedkv/recordlayer/internal/memkv"
	"github.com/orderedkv/recordlayer/query"
	"github.com/orderedkv/recordlayer/schema"
	"github.com/orderedkv/recordlayer/tuple"
	"github.com/stretchr/testify/require"
)

// disableIndexState forces an index to disabled so a build can be observed
// from scratch (fresh test stores open with everything readable).
func disableIndexState(t testing.TB, s *Store, name string) {
	t.Helper()
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		txn.setIndexState(name, schema.StateDisabled)
		begin, end := s.indexSub(name).Range()
		txn.tx.ClearRange(begin, end)
		return nil
	})
}

func seedUsers(t testing.TB, s *Store, n int) {
	t.Helper()
	const perTx = 200
	for lo := 1; lo <= n; lo += perTx {
		hi := lo + perTx - 1
		if hi > n {
			hi = n
		}
		mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
			for i := lo; i <= hi; i++ {
				u := &User{ID: int64(i), Email: fmt.Sprintf("u%d@x", i), City: "T", Age: int64(20 + i%50)}
				if err := txn.Save(ctx, u); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

func countIndexEntries(t testing.TB, s *Store, name string) int {
	t.Helper()
	n := 0
	require.NoError(t, s.View(context.Background(), func(ctx context.Context, txn *Txn) error {
		begin, end := s.indexSub(name).Range()
		it := txn.tx.GetRange(ctx, firstGE(begin), firstGE(end), rangeAll())
		defer it.Close()
		for it.Next() {
			n++
		}
		return it.Err()
	}))
	return n
}

func TestOnlineBuild(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, &Options{OnlineIndexerBatchSize: 100, OnlineIndexerThrottle: 1})
	ctx := context.Background()

	disableIndexState(t, s, "byCity")
	seedUsers(t, s, 1000)
	require.Equal(t, 0, countIndexEntries(t, s, "byCity"))

	require.NoError(t, s.BuildIndex(ctx, "byCity"))
	require.Equal(t, 1000, countIndexEntries(t, s, "byCity"))

	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		st, err := txn.IndexState(ctx, "byCity")
		require.NoError(t, err)
		require.Equal(t, schema.StateReadable, st)
		return nil
	}))
}

// TestOnlineBuildResumes is the crash-resume scenario: kill the builder
// mid-run, restart, and the finished index covers every record exactly
// once.
func TestOnlineBuildResumes(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, &Options{OnlineIndexerBatchSize: 100, OnlineIndexerThrottle: 1})
	ctx := context.Background()

	disableIndexState(t, s, "byCity")
	const total = 2000
	seedUsers(t, s, total)

	// First builder: cancel after enough batches to be mid-build.
	b1 := s.NewIndexBuilder("byCity")
	go func() {
		for {
			if batches, _ := b1.Stats(); batches >= 5 {
				b1.Cancel()
				return
			}
		}
	}()
	err := b1.Build(ctx)
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
	built := countIndexEntries(t, s, "byCity")
	require.Less(t, built, total, "cancel landed after the build finished; nothing resumed")

	// Second builder resumes from the persisted range set and completes.
	require.NoError(t, s.NewIndexBuilder("byCity").Build(ctx))
	require.Equal(t, total, countIndexEntries(t, s, "byCity"))

	_, records := b1.Stats()
	require.Greater(t, records, int64(0))

	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		st, err := txn.IndexState(ctx, "byCity")
		require.NoError(t, err)
		require.Equal(t, schema.StateReadable, st)
		return nil
	}))
}

// TestOnlineBuildConvergesUnderWrites is P6 for a value index: writers
// interleave with builder batches and the final index matches ground truth.
func TestOnlineBuildConvergesUnderWrites(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, &Options{OnlineIndexerBatchSize: 50, OnlineIndexerThrottle: 1})
	ctx := context.Background()

	disableIndexState(t, s, "byCity")
	seedUsers(t, s, 500)

	// writeOnly first, as the builder precondition requires, so the
	// interleaved writes maintain the index themselves.
	require.NoError(t, s.EnableIndex(ctx, "byCity"))

	done := make(chan error, 1)
	go func() {
		done <- s.NewIndexBuilder("byCity").Build(ctx)
	}()
	// Concurrent churn: updates move cities, a few deletes, a few inserts.
	for i := 0; i < 50; i++ {
		id := int64(i*7%500 + 1)
		mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
			switch i % 3 {
			case 0:
				return txn.Save(ctx, &User{ID: id, Email: fmt.Sprintf("u%d@x", id), City: "K", Age: 30})
			case 1:
				_, err := txn.Delete(ctx, "User", tuple.Tuple{id})
				return err
			default:
				fresh := int64(1000 + i)
				return txn.Save(ctx, &User{ID: fresh, Email: fmt.Sprintf("u%d@x", fresh), City: "T", Age: 40})
			}
		})
	}
	require.NoError(t, <-done)

	// Ground truth: every live user contributes exactly one (city, id)
	// entry.
	want := map[string]bool{}
	for _, r := range collectAll(t, s, query.Query{RecordType: "User"}) {
		u := r.Record.(*User)
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

func TestScrubber(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, nil)
	ctx := context.Background()

	seedUsers(t, s, 50)
	sub := s.indexSub("byCity")

	// Corrupt the index: drop one entry, add one dangling entry.
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		txn.tx.Clear(sub.Pack(tuple.Tuple{"T", int64(10)}))
		txn.tx.Set(sub.Pack(tuple.Tuple{"T", int64(9999)}), nil)
		return nil
	})

	// Detect-only leaves the damage in place.
	res, err := s.ScrubIndex(ctx, "byCity", false)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Missing)
	require.Equal(t, int64(1), res.Dangling)
	require.False(t, res.Repaired)

	// Repair fixes both directions.
	res, err = s.ScrubIndex(ctx, "byCity", true)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Missing)
	require.Equal(t, int64(1), res.Dangling)

	res, err = s.ScrubIndex(ctx, "byCity", false)
	require.NoError(t, err)
	require.Zero(t, res.Missing)
	require.Zero(t, res.Dangling)

	// Aggregate indexes refuse to scrub.
	_, err = s.ScrubIndex(ctx, "countByCity", false)
	require.Error(t, err)
}

func TestBuildStatisticsFeedsPlanner(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, &Options{StatisticsSampleRate: 1.0})
	ctx := context.Background()

	// Skewed population: city T is rare, K is common.
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		for i := int64(1); i <= 200; i++ {
			city := "K"
			if i%20 == 0 {
				city = "T"
			}
			u := &User{ID: i, Email: fmt.Sprintf("u%d@x", i), City: city, Age: 20 + i%40}
			if err := txn.Save(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, s.BuildIndexStatistics(ctx, "byCity"))
	require.NoError(t, s.BuildIndexStatistics(ctx, "byCityAge"))

	// The compound index wins for equality + range, per the cost model.
	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		plan, err := txn.PlanQuery(ctx, query.Query{
			RecordType: "User",
			Filter: query.And(
				query.F("city").Equals("T"),
				query.F("age").GreaterOrEqual(int64(25)),
				query.F("age").LessOrEqual(int64(35))),
		})
		require.NoError(t, err)
		require.Contains(t, plan.Describe(), "IndexScan(byCityAge")
		return nil
	}))
}

// TestVectorCircuitBreakerFallsBack is the breaker scenario: an HNSW index
// whose graph is missing serves flat-scan results, trips the breaker so
// later calls skip HNSW entirely, and recovers once the graph is rebuilt.
func TestVectorCircuitBreakerFallsBack(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, &Options{
		HNSWBreaker: index.BreakerOptions{FailureThreshold: 1, RetryDelay: time.Millisecond},
	})
	ctx := context.Background()

	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		for i := int64(0); i < 10; i++ {
			u := &User{ID: i + 1, Email: fmt.Sprintf("v%d@x", i), Vec: []float32{float32(i), 0, 0, 0}}
			if err := txn.Save(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	// Sever the graph: without its entry point the HNSW search fails while
	// the stored vectors remain scannable.
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		txn.tx.Clear(s.indexSub("byVec").Pack(tuple.Tuple{int64(0), "entry"}))
		return nil
	})

	knn := func() []query.Result {
		var res []query.Result
		require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
			var err error
			res, err = txn.NearestNeighbors(ctx, "User", "vec", []float32{3.2, 0, 0, 0}, 3)
			return err
		}))
		return res
	}

	// First call: HNSW fails, the flat scan answers, the breaker opens.
	res := knn()
	require.Len(t, res, 3)
	require.Equal(t, int64(4), res[0].Record.(*User).ID) // vector (3,0,0,0)
	require.Equal(t, index.BreakerFailed, s.breakers["byVec"].State())

	// Within the cooldown HNSW is not retried; results still come back.
	res = knn()
	require.Len(t, res, 3)
	require.Equal(t, index.BreakerFailed, s.breakers["byVec"].State())

	// After the cooldown the probe runs (and fails again here).
	time.Sleep(5 * time.Millisecond)
	_ = knn()
	require.Equal(t, index.BreakerFailed, s.breakers["byVec"].State())

	// Rebuilding the graph resets the breaker and restores HNSW service.
	disableIndexState(t, s, "byVec")
	require.NoError(t, s.BuildIndex(ctx, "byVec"))
	res = knn()
	require.Len(t, res, 3)
	require.Equal(t, int64(4), res[0].Record.(*User).ID)
	require.Equal(t, index.BreakerHealthy, s.breakers["byVec"].State())
}

func TestHNSWOnlineBuildTwoPhase(t *testing.T) {
	db := memkv.New()
	s := openTestStore(t, db, &Options{OnlineIndexerBatchSize: 16, OnlineIndexerThrottle: 1})
	ctx := context.Background()

	disableIndexState(t, s, "byVec")
	mustUpdate(t, s, func(ctx context.Context, txn *Txn) error {
		for i := int64(0); i < 60; i++ {
			u := &User{
				ID: i + 1, Email: fmt.Sprintf("w%d@x", i),
				Vec: []float32{float32(i % 8), float32(i / 8), 0, 0},
			}
			if err := txn.Save(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, s.BuildIndex(ctx, "byVec"))
	require.NoError(t, s.View(ctx, func(ctx context.Context, txn *Txn) error {
		res, err := txn.NearestNeighbors(ctx, "User", "vec", []float32{2, 1, 0, 0}, 5)
		require.NoError(t, err)
		require.Len(t, res, 5)
		// The exact nearest record surfaces first.
		require.Equal(t, []float32{2, 1, 0, 0}, res[0].Record.(*User).Vec)
		return nil
	}))
	require.Equal(t, index.BreakerHealthy, s.breakers["byVec"].State())
}
