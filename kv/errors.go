// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package kv

import "github.com/cockroachdb/errors"

// Store error codes, numbered to match the wire codes of the consumed store
// so diagnostics survive the translation into the record layer's taxonomy.
const (
	CodeTransactionTooOld   = 1007
	CodeNotCommitted        = 1020
	CodeCommitUnknownResult = 1021
	CodeTransactionTimedOut = 1031
	CodeFutureVersion       = 1009
	CodeTransactionTooLarge = 2101
)

// Error is a store-level failure carrying its wire code.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// NewError builds a store error for the given code.
func NewError(code int, msg string) error {
	return errors.WithStack(&Error{Code: code, Msg: msg})
}

var (
	// ErrTransactionTooOld: the read version fell behind; retryable.
	ErrTransactionTooOld = &Error{Code: CodeTransactionTooOld, Msg: "transaction too old"}
	// ErrNotCommitted: OCC conflict; retryable.
	ErrNotCommitted = &Error{Code: CodeNotCommitted, Msg: "transaction not committed due to conflict"}
	// ErrCommitUnknownResult: the commit outcome is unknown; retryable only
	// for idempotent work.
	ErrCommitUnknownResult = &Error{Code: CodeCommitUnknownResult, Msg: "commit result unknown"}
	// ErrTransactionTimedOut: fatal to the operation.
	ErrTransactionTimedOut = &Error{Code: CodeTransactionTimedOut, Msg: "transaction timed out"}
	// ErrFutureVersion: the read version is ahead of the store; retryable.
	ErrFutureVersion = &Error{Code: CodeFutureVersion, Msg: "future version"}
	// ErrTransactionTooLarge: fatal to the operation.
	ErrTransactionTooLarge = &Error{Code: CodeTransactionTooLarge, Msg: "transaction exceeds size limit"}
)

// IsRetryable reports whether err is a transient store error that a fresh
// transaction attempt may succeed past. ErrCommitUnknownResult is retryable
// only when the caller's writes are idempotent; the transaction runner
// consults its idempotency flag before retrying it.
func IsRetryable(err error, idempotent bool) bool {
	var kvErr *Error
	if !errors.As(err, &kvErr) {
		return false
	}
	switch kvErr.Code {
	case CodeTransactionTooOld, CodeNotCommitted, CodeFutureVersion:
		return true
	case CodeCommitUnknownResult:
		return idempotent
	}
	return false
}
