// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package tuple

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func elementGen() *rapid.Generator[TupleElement] {
	return rapid.Custom(func(t *rapid.T) TupleElement {
		switch rapid.IntRange(0, 8).Draw(t, "kind") {
		case 0:
			return nil
		case 1:
			return rapid.SliceOfN(rapid.Byte(), 0, 16).Draw(t, "bytes")
		case 2:
			return rapid.StringN(0, 12, 48).Draw(t, "string")
		case 3:
			return rapid.Int64().Draw(t, "int")
		case 4:
			return rapid.Float64().Draw(t, "float64")
		case 5:
			return float32(rapid.Float64Range(-1e9, 1e9).Draw(t, "float32"))
		case 6:
			return rapid.Bool().Draw(t, "bool")
		case 7:
			var u UUID
			copy(u[:], rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "uuid"))
			return u
		default:
			return Tuple{rapid.Int64().Draw(t, "nested"), nil}
		}
	})
}

func tupleGen() *rapid.Generator[Tuple] {
	return rapid.Custom(func(t *rapid.T) Tuple {
		n := rapid.IntRange(0, 6).Draw(t, "len")
		out := make(Tuple, n)
		for i := range out {
			out[i] = elementGen().Draw(t, "elem")
		}
		return out
	})
}

func TestPackUnpackRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		in := tupleGen().Draw(rt, "tuple")
		got, err := Unpack(in.Pack())
		require.NoError(t, err)
		require.True(t, Equal(in, got), "round trip mismatch: %v != %v", in, got)
	})
}

func TestPackOrderPreservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := tupleGen().Draw(rt, "a")
		b := tupleGen().Draw(rt, "b")
		semantic := Compare(a, b)
		packed := bytes.Compare(a.Pack(), b.Pack())
		require.Equal(t, sign(semantic), sign(packed))
	})
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}

func TestIntegerEncodingOrder(t *testing.T) {
	values := []int64{
		math.MinInt64, math.MinInt64 + 1, -1 << 56, -65536, -256, -255, -2, -1,
		0, 1, 2, 255, 256, 65535, 65536, 1 << 56, math.MaxInt64 - 1, math.MaxInt64,
	}
	var prev []byte
	for _, v := range values {
		cur := Tuple{v}.Pack()
		if prev != nil {
			require.Negative(t, bytes.Compare(prev, cur), "ordering broken at %d", v)
		}
		got, err := Unpack(cur)
		require.NoError(t, err)
		require.Equal(t, v, got[0])
		prev = cur
	}
}

func TestFloatEncoding(t *testing.T) {
	t.Run("order", func(t *testing.T) {
		values := []float64{math.Inf(-1), -1e300, -1.5, math.Copysign(0, -1), 0.0, 1.5, 1e300, math.Inf(1)}
		var prev []byte
		for _, v := range values {
			cur := Tuple{v}.Pack()
			if prev != nil {
				require.Negative(t, bytes.Compare(prev, cur), "ordering broken at %g", v)
			}
			prev = cur
		}
	})
	t.Run("signed zero distinct", func(t *testing.T) {
		require.NotEqual(t, Tuple{0.0}.Pack(), Tuple{math.Copysign(0, -1)}.Pack())
	})
	t.Run("nan payload preserved", func(t *testing.T) {
		nan := math.Float64frombits(0x7FF800000000BEEF)
		got, err := Unpack(Tuple{nan}.Pack())
		require.NoError(t, err)
		require.Equal(t, math.Float64bits(nan), math.Float64bits(got[0].(float64)))
	})
}

func TestStringAndBytesDistinct(t *testing.T) {
	require.NotEqual(t, Tuple{""}.Pack(), Tuple{[]byte{}}.Pack())
	for _, tt := range []Tuple{{""}, {[]byte{}}, {"a\x00b"}, {[]byte{0, 0xFF, 0}}} {
		got, err := Unpack(tt.Pack())
		require.NoError(t, err)
		require.True(t, Equal(tt, got))
	}
}

func TestNestedTuple(t *testing.T) {
	in := Tuple{Tuple{nil, int64(7), "x"}, Tuple{}}
	got, err := Unpack(in.Pack())
	require.NoError(t, err)
	require.True(t, Equal(in, got))

	// A nested tuple is self-delimiting: packing (t) then more elements keeps
	// the boundary.
	b := append(Tuple{Tuple{int64(1)}}.Pack(), Tuple{int64(2)}.Pack()...)
	got, err = Unpack(b)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestFlatPackIsPrefixOfExtension(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := tupleGen().Draw(rt, "a")
		ext := elementGen().Draw(rt, "ext")
		require.True(t, bytes.HasPrefix(append(a, ext).Pack(), a.Pack()))
	})
}

func TestUnpackErrors(t *testing.T) {
	cases := map[string][]byte{
		"unknown tag":       {0x7E},
		"truncated int":     {0x1C, 0x01},
		"truncated uuid":    {0x30, 1, 2, 3},
		"truncated float":   {0x21, 0, 0},
		"unterminated str":  {0x02, 'a'},
		"unterminated nest": {0x05, 0x14},
		"bad utf8":          {0x02, 0xC3, 0x28, 0x00},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unpack(b)
			require.Error(t, err)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
		})
	}
}

func TestVersionstamp(t *testing.T) {
	vs := IncompleteVersionstamp(3)
	require.False(t, vs.Complete())
	tup := Tuple{"history", int64(1), vs}
	require.True(t, tup.HasIncompleteVersionstamp())

	packed, err := tup.PackWithVersionstamp([]byte{0xAB})
	require.NoError(t, err)
	// Trailing 4 bytes are the little-endian offset of the stamp body.
	off := int(packed[len(packed)-4]) | int(packed[len(packed)-3])<<8 |
		int(packed[len(packed)-2])<<16 | int(packed[len(packed)-1])<<24
	require.Equal(t, byte(0xFF), packed[off])
	require.Equal(t, byte(versionTag), packed[off-1])

	complete := Versionstamp{TransactionVersion: [10]byte{1, 2, 3}, UserVersion: 9}
	got, err := Unpack(Tuple{complete}.Pack())
	require.NoError(t, err)
	require.Equal(t, complete, got[0])

	_, err = Tuple{"no stamp"}.PackWithVersionstamp(nil)
	require.Error(t, err)
	require.Panics(t, func() { tup.Pack() })
}
