// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package schema

// IndexState is the persisted lifecycle marker controlling maintenance and
// queryability of one index.
//
//	disabled:  writes skip the index, queries refuse it
//	writeOnly: writes maintain the index, queries refuse it
//	readable:  writes maintain the index, queries may use it
type IndexState uint8

const (
	StateDisabled IndexState = 0
	StateWriteOnly IndexState = 1
	StateReadable IndexState = 2
)

func (s IndexState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateWriteOnly:
		return "writeOnly"
	case StateReadable:
		return "readable"
	}
	return "invalid"
}

// Maintained reports whether saves update the index in this state.
func (s IndexState) Maintained() bool {
	return s == StateWriteOnly || s == StateReadable
}

// Queryable reports whether the planner may read the index in this state.
func (s IndexState) Queryable() bool {
	return s == StateReadable
}

// CanTransition reports whether the state machine permits s -> to:
// disabled -> writeOnly -> readable, and any state -> disabled.
func (s IndexState) CanTransition(to IndexState) bool {
	switch to {
	case StateDisabled:
		return true
	case StateWriteOnly:
		return s == StateDisabled || s == StateWriteOnly
	case StateReadable:
		return s == StateWriteOnly || s == StateReadable
	}
	return false
}
