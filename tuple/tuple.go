// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package tuple implements an order-preserving binary encoding for sequences
// of typed values.
//
// A Tuple packs to a byte string such that the lexicographic order of packed
// byte strings matches the order of the tuples themselves: first element
// ordering, then second, and so on, with shorter prefixes sorting first. The
// encoding is bijective: Unpack(t.Pack()) yields a tuple equal to t.
//
// Two packing forms exist and they are not interchangeable:
//
//   - Pack emits element encodings side by side with no outer framing. This is
//     the form used for index keys, where a packed tuple must be a byte-wise
//     prefix of any packed extension of itself.
//   - PackNested (used by Subspace.Nest) wraps the elements in a framed
//     0x05 ... 0x00 container, making the whole tuple self-delimiting. This is
//     the form used to derive hierarchical namespaces.
//
// Mixing the two silently breaks range scans, so the flat form is produced
// only by Pack and the nested form only by PackNested.
//
// Element types:
//
//	nil, []byte, string, int/int64/uint variants, float32, float64, bool,
//	uuid.UUID, Tuple (nested), Versionstamp
package tuple

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// A TupleElement is one of the types named in the package comment. Using any
// other type in a Tuple causes Pack to panic with an EncodeError.
type TupleElement interface{}

// A Tuple is an ordered sequence of TupleElements.
type Tuple []TupleElement

// Type tag bytes. Tags order the cross-type sort: nil < bytes < string <
// nested tuple < ints < floats < bool < UUID < versionstamp.
const (
	nilTag        = 0x00
	bytesTag      = 0x01
	stringTag     = 0x02
	nestedTag     = 0x05
	negIntStart   = 0x0C // 8-byte negative magnitude
	intZeroTag    = 0x14
	posIntEnd     = 0x1C // 8-byte positive magnitude
	float32Tag    = 0x20
	float64Tag    = 0x21
	falseTag      = 0x26
	trueTag       = 0x27
	uuidTag       = 0x30
	versionTag    = 0x33
	escapeByte    = 0xFF
	terminator    = 0x00
	versionLen    = 12
	uuidLen       = 16
	txVersionLen  = 10
	userVerOffset = 10
)

// A Versionstamp is the 12-byte commit-ordered value the KV assigns at commit
// time: 10 bytes of transaction version followed by a 2-byte user version.
type Versionstamp struct {
	TransactionVersion [10]byte
	UserVersion        uint16
}

// IncompleteVersionstamp returns a versionstamp whose transaction version is
// unset. Packing a tuple containing one records the byte offset of the stamp
// so the caller can issue a SET_VERSIONSTAMPED_KEY mutation; the KV fills in
// the transaction version at commit.
func IncompleteVersionstamp(userVersion uint16) Versionstamp {
	var v Versionstamp
	for i := range v.TransactionVersion {
		v.TransactionVersion[i] = 0xFF
	}
	v.UserVersion = userVersion
	return v
}

// Complete reports whether the transaction version has been assigned.
func (v Versionstamp) Complete() bool {
	for _, b := range v.TransactionVersion {
		if b != 0xFF {
			return true
		}
	}
	return false
}

// Bytes returns the 12-byte wire form.
func (v Versionstamp) Bytes() []byte {
	out := make([]byte, versionLen)
	copy(out, v.TransactionVersion[:])
	out[userVerOffset] = byte(v.UserVersion >> 8)
	out[userVerOffset+1] = byte(v.UserVersion)
	return out
}

func (v Versionstamp) String() string {
	return fmt.Sprintf("Versionstamp(%x, %d)", v.TransactionVersion, v.UserVersion)
}

// UUID is re-exported so callers do not need to import the uuid package to
// name the element type.
type UUID = uuid.UUID

// EncodeError reports an unpackable element handed to Pack.
type EncodeError struct {
	Index int
	Value TupleElement
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("tuple: unencodable element of type %T at index %d", e.Value, e.Index)
}

// DecodeError reports malformed bytes handed to Unpack.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("tuple: decode failed at offset %d: %s", e.Offset, e.Reason)
}

func decodeErrf(off int, format string, args ...interface{}) error {
	return errors.WithStack(&DecodeError{Offset: off, Reason: fmt.Sprintf(format, args...)})
}

// String renders the tuple for diagnostics. The form is not parseable.
func (t Tuple) String() string {
	s := "("
	for i, e := range t {
		if i > 0 {
			s += ", "
		}
		switch v := e.(type) {
		case nil:
			s += "nil"
		case []byte:
			s += fmt.Sprintf("0x%x", v)
		case string:
			s += fmt.Sprintf("%q", v)
		default:
			s += fmt.Sprintf("%v", v)
		}
	}
	return s + ")"
}
