// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewCircuitBreaker(BreakerOptions{FailureThreshold: 3, RetryDelay: 30 * time.Second})
	b.now = func() time.Time { return now }

	require.Equal(t, BreakerHealthy, b.State())
	require.True(t, b.Allow())

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, BreakerHealthy, b.State())
	require.True(t, b.Allow())

	b.RecordFailure()
	require.Equal(t, BreakerFailed, b.State())
	require.False(t, b.Allow())

	// Cooldown expiry grants a single probe.
	now = now.Add(31 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, BreakerRetrying, b.State())

	// A failed probe reopens immediately.
	b.RecordFailure()
	require.Equal(t, BreakerFailed, b.State())
	require.False(t, b.Allow())

	// A successful probe closes the breaker.
	now = now.Add(31 * time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, BreakerHealthy, b.State())

	succ, fail, last := b.Counters()
	require.Equal(t, uint64(1), succ)
	require.Equal(t, uint64(4), fail)
	require.False(t, last.IsZero())
}

func TestCircuitBreakerMaxRetries(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewCircuitBreaker(BreakerOptions{FailureThreshold: 1, RetryDelay: time.Second, MaxRetries: 2})
	b.now = func() time.Time { return now }

	b.RecordFailure()
	for i := 0; i < 2; i++ {
		now = now.Add(2 * time.Second)
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	now = now.Add(time.Hour)
	require.False(t, b.Allow(), "retry budget exhausted")

	b.Reset()
	require.True(t, b.Allow())
}
