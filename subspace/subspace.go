// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package subspace provides prefix-owned regions of an ordered keyspace.
//
// A Subspace wraps a byte prefix P. Two distinct derivations exist and they
// produce incompatible keys:
//
//   - Pack(t) returns P ++ flat(t): the index-key form, where the result is a
//     byte-wise prefix of Pack of any extension of t.
//   - Nest(t) returns a child Subspace whose prefix is P ++ nested(t): the
//     namespace form, framed so the child's keys never collide with a
//     sibling's.
//
// The two are deliberately separate methods returning separate types ([]byte
// vs Subspace) so that the classic mistake of nesting where flat packing was
// intended cannot typecheck.
package subspace

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/tuple"
)

// A Subspace owns the region of the keyspace beginning with its prefix.
type Subspace struct {
	prefix []byte
}

// FromBytes returns the subspace rooted at the given raw prefix.
func FromBytes(prefix []byte) Subspace {
	return Subspace{prefix: append([]byte(nil), prefix...)}
}

// Bytes returns the raw prefix.
func (s Subspace) Bytes() []byte {
	return s.prefix
}

// Pack returns prefix ++ t flat-packed. This is the only way to build index
// and metadata keys under s.
func (s Subspace) Pack(t tuple.Tuple) []byte {
	return append(append([]byte(nil), s.prefix...), t.Pack()...)
}

// PackWithVersionstamp is Pack for tuples carrying one incomplete
// versionstamp; the result is the SET_VERSIONSTAMPED_KEY operand.
func (s Subspace) PackWithVersionstamp(t tuple.Tuple) ([]byte, error) {
	return t.PackWithVersionstamp(s.prefix)
}

// Nest derives the child subspace for t using the framed nested encoding.
// Children of distinct tuples own disjoint ranges, and a child's range is
// strictly inside its parent's.
func (s Subspace) Nest(t tuple.Tuple) Subspace {
	return Subspace{prefix: append(append([]byte(nil), s.prefix...), t.PackNested()...)}
}

// Unpack strips the prefix from key and decodes the remainder as a flat
// tuple. It fails if key is not under s.
func (s Subspace) Unpack(key []byte) (tuple.Tuple, error) {
	if !s.Contains(key) {
		return nil, errors.Newf("subspace: key %x not under prefix %x", key, s.prefix)
	}
	return tuple.Unpack(key[len(s.prefix):])
}

// Contains reports whether key begins with the subspace prefix.
func (s Subspace) Contains(key []byte) bool {
	return bytes.HasPrefix(key, s.prefix)
}

// Range returns the half-open key range [prefix+0x00, prefix+0xFF) covering
// every packed tuple under the subspace.
func (s Subspace) Range() (begin, end []byte) {
	begin = append(append([]byte(nil), s.prefix...), 0x00)
	end = append(append([]byte(nil), s.prefix...), 0xFF)
	return begin, end
}

// PrefixRange returns the half-open range of all keys extending prefix ++
// flat(t): the scan bounds for "everything whose leading columns equal t".
func (s Subspace) PrefixRange(t tuple.Tuple) (begin, end []byte) {
	p := s.Pack(t)
	begin = append(append([]byte(nil), p...), 0x00)
	end = append(append([]byte(nil), p...), 0xFF)
	return begin, end
}
