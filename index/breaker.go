// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package index

import (
	"sync"
	"time"
)

// BreakerState is the health of one vector index's HNSW path.
type BreakerState uint8

const (
	BreakerHealthy BreakerState = iota
	BreakerFailed
	BreakerRetrying
)

func (s BreakerState) String() string {
	switch s {
	case BreakerHealthy:
		return "healthy"
	case BreakerFailed:
		return "failed"
	case BreakerRetrying:
		return "retrying"
	}
	return "invalid"
}

// BreakerOptions tune the circuit breaker.
type BreakerOptions struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// RetryDelay is the cooldown before HNSW is attempted again.
	RetryDelay time.Duration
	// MaxRetries bounds the retry attempts after the breaker opens; 0 means
	// unbounded. Once exhausted the index stays on the flat-scan path until
	// Reset (a rebuild resets it).
	MaxRetries int
}

// EnsureDefaults fills unset options.
func (o *BreakerOptions) EnsureDefaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
}

// A CircuitBreaker guards the HNSW search path of one vector index. After
// FailureThreshold consecutive failures searches fall back to the flat scan;
// after the cooldown one probe attempt goes back through HNSW, and a success
// closes the breaker. The lock is never held across KV I/O.
type CircuitBreaker struct {
	opts BreakerOptions

	mu          sync.Mutex
	state       BreakerState
	consecutive int
	retries     int
	successes   uint64
	failures    uint64
	lastFailure time.Time

	// now is swapped by tests.
	now func() time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	opts.EnsureDefaults()
	return &CircuitBreaker{opts: opts, now: time.Now}
}

// Allow reports whether the next search may attempt HNSW.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHealthy, BreakerRetrying:
		return true
	default:
		if b.opts.MaxRetries > 0 && b.retries >= b.opts.MaxRetries {
			return false
		}
		if b.now().Sub(b.lastFailure) >= b.opts.RetryDelay {
			b.state = BreakerRetrying
			b.retries++
			return true
		}
		return false
	}
}

// RecordSuccess closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	b.consecutive = 0
	b.retries = 0
	b.state = BreakerHealthy
}

// RecordFailure counts a failed HNSW attempt and opens the breaker at the
// threshold. A failure during a retry probe reopens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.consecutive++
	b.lastFailure = b.now()
	if b.state == BreakerRetrying || b.consecutive >= b.opts.FailureThreshold {
		b.state = BreakerFailed
	}
}

// Reset returns the breaker to healthy; called after a graph rebuild.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerHealthy
	b.consecutive = 0
	b.retries = 0
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counters returns the lifetime success/failure counts and last failure
// time.
func (b *CircuitBreaker) Counters() (successes, failures uint64, lastFailure time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.successes, b.failures, b.lastFailure
}
