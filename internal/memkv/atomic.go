// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package memkv

import (
	"bytes"
	"encoding/binary"

	"github.com/google/btree"
	"github.com/orderedkv/recordlayer/kv"
)

// applyAtomic applies one conflict-free mutation against t and returns the
// key finally written (versionstamped-key mutations rewrite the key). stamp
// supplies the 10 transaction-version bytes for versionstamped mutations.
func applyAtomic(
	t *btree.BTreeG[item], op kv.MutationType, key, param, stamp []byte, appendLimit int,
) []byte {
	existing, _ := t.Get(item{key: key})
	old := existing.value

	switch op {
	case kv.Add:
		t.ReplaceOrInsert(item{key: key, value: addLittleEndian(old, param)})
	case kv.Max:
		t.ReplaceOrInsert(item{key: key, value: pickUint(old, param, false)})
	case kv.Min:
		t.ReplaceOrInsert(item{key: key, value: pickUint(old, param, true)})
	case kv.BitAnd:
		t.ReplaceOrInsert(item{key: key, value: bitwise(old, param, func(a, b byte) byte { return a & b })})
	case kv.BitOr:
		t.ReplaceOrInsert(item{key: key, value: bitwise(old, param, func(a, b byte) byte { return a | b })})
	case kv.BitXor:
		t.ReplaceOrInsert(item{key: key, value: bitwise(old, param, func(a, b byte) byte { return a ^ b })})
	case kv.ByteMin:
		if old == nil || bytes.Compare(param, old) < 0 {
			t.ReplaceOrInsert(item{key: key, value: dup(param)})
		}
	case kv.ByteMax:
		if old == nil || bytes.Compare(param, old) > 0 {
			t.ReplaceOrInsert(item{key: key, value: dup(param)})
		}
	case kv.AppendIfFits:
		if len(old)+len(param) <= appendLimit {
			t.ReplaceOrInsert(item{key: key, value: append(dup(old), param...)})
		}
	case kv.CompareAndClear:
		if bytes.Equal(old, param) {
			t.Delete(item{key: key})
		}
	case kv.SetVersionstampedKey:
		finalKey := spliceStamp(key, stamp)
		t.ReplaceOrInsert(item{key: finalKey, value: dup(param)})
		return finalKey
	case kv.SetVersionstampedValue:
		t.ReplaceOrInsert(item{key: key, value: spliceStamp(param, stamp)})
	}
	return key
}

// spliceStamp interprets the final 4 bytes of b as the little-endian offset
// at which the 10 stamp bytes replace the placeholder, and strips the offset
// suffix.
func spliceStamp(b, stamp []byte) []byte {
	if len(b) < 4 {
		return dup(b)
	}
	off := int(binary.LittleEndian.Uint32(b[len(b)-4:]))
	out := dup(b[: len(b)-4 : len(b)-4])
	if off+10 <= len(out) {
		copy(out[off:off+10], stamp)
	}
	return out
}

// addLittleEndian sums two little-endian integers of the param's width.
// A missing existing value reads as zero; the sum wraps.
func addLittleEndian(old, param []byte) []byte {
	out := make([]byte, len(param))
	var carry uint16
	for i := range out {
		var o byte
		if i < len(old) {
			o = old[i]
		}
		sum := uint16(o) + uint16(param[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}

func pickUint(old, param []byte, min bool) []byte {
	if old == nil {
		return dup(param)
	}
	// Compare as little-endian unsigned integers of the wider width.
	c := compareLittleEndian(old, param)
	if (min && c <= 0) || (!min && c >= 0) {
		return dup(old)
	}
	return dup(param)
}

func compareLittleEndian(a, b []byte) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := n - 1; i >= 0; i-- {
		var av, bv byte
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func bitwise(old, param []byte, f func(a, b byte) byte) []byte {
	out := make([]byte, len(param))
	for i := range out {
		var o byte
		if i < len(old) {
			o = old[i]
		}
		out[i] = f(o, param[i])
	}
	return out
}
