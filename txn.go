// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/orderedkv/recordlayer/kv"
	"github.com/orderedkv/recordlayer/schema"
)

// A Txn is one record-layer transaction: a KV transaction plus the store's
// schema and subspace context. Every public record operation runs through
// one. Txns are not safe for concurrent use.
type Txn struct {
	s  *Store
	tx kv.Transaction

	// stateCache memoizes index states for the transaction's read version.
	stateCache map[string]schema.IndexState
	// versionstamp resolves after commit.
	versionstamp func() ([]byte, error)
}

// KV exposes the underlying transaction for callers composing record
// operations with their own keys.
func (t *Txn) KV() kv.Transaction { return t.tx }

// Update runs fn in a read-write transaction, transparently retrying
// retryable KV errors with exponential backoff up to the retry limit.
// Work inside fn must be restartable: it may run more than once.
//
// A commit whose outcome is unknown is not retried here; use
// UpdateIdempotent when fn's writes tolerate re-application.
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, txn *Txn) error) error {
	return s.run(ctx, fn, false)
}

// UpdateIdempotent is Update for naturally idempotent work: it additionally
// retries commits with unknown results.
func (s *Store) UpdateIdempotent(ctx context.Context, fn func(ctx context.Context, txn *Txn) error) error {
	return s.run(ctx, fn, true)
}

// View runs fn in a transaction that is cancelled rather than committed.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, txn *Txn) error) error {
	tx, err := s.db.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Cancel()
	tx.SetOption(kv.OptionTimeoutMillis, s.opts.TransactionTimeout.Milliseconds())
	return fn(ctx, &Txn{s: s, tx: tx})
}

func (s *Store) run(ctx context.Context, fn func(ctx context.Context, txn *Txn) error, idempotent bool) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0 // the retry limit bounds us, not wall time

	attempts := 0
	for {
		err := s.attempt(ctx, fn)
		if err == nil {
			s.metrics.TxCommits.Inc()
			return nil
		}
		attempts++
		if !kv.IsRetryable(err, idempotent) {
			return err
		}
		if s.opts.RetryLimit > 0 && attempts >= s.opts.RetryLimit {
			return err
		}
		s.metrics.TxRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (s *Store) attempt(ctx context.Context, fn func(ctx context.Context, txn *Txn) error) error {
	tx, err := s.db.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	tx.SetOption(kv.OptionTimeoutMillis, s.opts.TransactionTimeout.Milliseconds())
	tx.SetOption(kv.OptionSizeLimit, int64(s.opts.TransactionSizeLimit))
	txn := &Txn{s: s, tx: tx}
	if err := fn(ctx, txn); err != nil {
		tx.Cancel()
		return err
	}
	txn.versionstamp = tx.GetVersionstamp()
	if err := tx.Commit(ctx); err != nil {
		tx.Cancel()
		return err
	}
	return nil
}

// CommittedVersion returns the 12-byte versionstamp the KV assigned to this
// transaction's commit. Valid only after the surrounding Update returns.
func (t *Txn) CommittedVersion() ([]byte, error) {
	if t.versionstamp == nil {
		return nil, kv.NewError(kv.CodeNotCommitted, "transaction has not committed")
	}
	return t.versionstamp()
}
