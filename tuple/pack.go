// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package tuple

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

type packer struct {
	buf []byte
	// versionstampPos is the offset of the sole incomplete versionstamp's
	// transaction-version bytes, or -1 if none has been seen.
	versionstampPos int
}

// Pack encodes the tuple in flat form: element encodings side by side with no
// outer framing. A packed tuple is a byte-wise prefix of the packed form of
// any tuple that extends it, which is what prefix range scans over index keys
// rely on.
//
// Pack panics if the tuple contains an incomplete versionstamp; use
// PackWithVersionstamp for those.
func (t Tuple) Pack() []byte {
	b, err := t.packFlat(nil)
	if err != nil {
		panic(err)
	}
	return b
}

// PackWithVersionstamp encodes prefix ++ tuple, requiring exactly one
// incomplete versionstamp among the elements. The returned bytes carry a
// trailing 4-byte little-endian offset of the stamp, the operand form the
// KV's SET_VERSIONSTAMPED_KEY mutation expects.
func (t Tuple) PackWithVersionstamp(prefix []byte) ([]byte, error) {
	p := packer{buf: append([]byte(nil), prefix...), versionstampPos: -1}
	if err := p.packElements(t, false); err != nil {
		return nil, err
	}
	if p.versionstampPos < 0 {
		return nil, errors.New("tuple: no incomplete versionstamp to pack")
	}
	out := p.buf
	var off [4]byte
	binary.LittleEndian.PutUint32(off[:], uint32(p.versionstampPos))
	return append(out, off[:]...), nil
}

// HasIncompleteVersionstamp reports whether packing this tuple requires
// PackWithVersionstamp.
func (t Tuple) HasIncompleteVersionstamp() bool {
	for _, e := range t {
		switch v := e.(type) {
		case Versionstamp:
			if !v.Complete() {
				return true
			}
		case Tuple:
			if v.HasIncompleteVersionstamp() {
				return true
			}
		}
	}
	return false
}

func (t Tuple) packFlat(dst []byte) ([]byte, error) {
	p := packer{buf: dst, versionstampPos: -1}
	if err := p.packElements(t, false); err != nil {
		return nil, err
	}
	if p.versionstampPos >= 0 {
		return nil, errors.New("tuple: incomplete versionstamp requires PackWithVersionstamp")
	}
	return p.buf, nil
}

// PackNested encodes the tuple wrapped in the self-delimiting 0x05 ... 0x00
// frame. This is the namespace-derivation form; see the package comment.
func (t Tuple) PackNested() []byte {
	p := packer{versionstampPos: -1}
	if err := p.packNestedTuple(t); err != nil {
		panic(err)
	}
	if p.versionstampPos >= 0 {
		panic(errors.New("tuple: incomplete versionstamp in nested pack"))
	}
	return p.buf
}

func (p *packer) packElements(t Tuple, nested bool) error {
	for i, e := range t {
		if err := p.packElement(e, nested); err != nil {
			if encErr := (*EncodeError)(nil); errors.As(err, &encErr) && encErr.Index < 0 {
				encErr.Index = i
			}
			return err
		}
	}
	return nil
}

func (p *packer) packElement(e TupleElement, nested bool) error {
	switch v := e.(type) {
	case nil:
		if nested {
			// Inside a nested frame a bare 0x00 would read as the frame
			// terminator, so nulls are escaped.
			p.buf = append(p.buf, nilTag, escapeByte)
		} else {
			p.buf = append(p.buf, nilTag)
		}
	case []byte:
		p.packBytes(bytesTag, v)
	case string:
		p.packBytes(stringTag, []byte(v))
	case Tuple:
		return p.packNestedTuple(v)
	case int:
		p.packInt(int64(v))
	case int32:
		p.packInt(int64(v))
	case int64:
		p.packInt(v)
	case uint32:
		p.packInt(int64(v))
	case uint64:
		if v > math.MaxInt64 {
			return errors.WithStack(&EncodeError{Index: -1, Value: v})
		}
		p.packInt(int64(v))
	case float32:
		bits := math.Float32bits(v)
		if bits&0x80000000 != 0 {
			bits = ^bits
		} else {
			bits |= 0x80000000
		}
		p.buf = append(p.buf, float32Tag)
		p.buf = binary.BigEndian.AppendUint32(p.buf, bits)
	case float64:
		bits := math.Float64bits(v)
		if bits&0x8000000000000000 != 0 {
			bits = ^bits
		} else {
			bits |= 0x8000000000000000
		}
		p.buf = append(p.buf, float64Tag)
		p.buf = binary.BigEndian.AppendUint64(p.buf, bits)
	case bool:
		if v {
			p.buf = append(p.buf, trueTag)
		} else {
			p.buf = append(p.buf, falseTag)
		}
	case UUID:
		p.buf = append(p.buf, uuidTag)
		p.buf = append(p.buf, v[:]...)
	case Versionstamp:
		p.buf = append(p.buf, versionTag)
		if !v.Complete() {
			if p.versionstampPos >= 0 {
				return errors.New("tuple: at most one incomplete versionstamp per pack")
			}
			p.versionstampPos = len(p.buf)
		}
		p.buf = append(p.buf, v.Bytes()...)
	default:
		return errors.WithStack(&EncodeError{Index: -1, Value: e})
	}
	return nil
}

func (p *packer) packNestedTuple(t Tuple) error {
	p.buf = append(p.buf, nestedTag)
	if err := p.packElements(t, true); err != nil {
		return err
	}
	p.buf = append(p.buf, terminator)
	return nil
}

// packBytes appends tag, the body with 0x00 escaped to 0x00 0xFF, and the
// 0x00 terminator.
func (p *packer) packBytes(tag byte, body []byte) {
	p.buf = append(p.buf, tag)
	for _, b := range body {
		if b == 0x00 {
			p.buf = append(p.buf, 0x00, escapeByte)
		} else {
			p.buf = append(p.buf, b)
		}
	}
	p.buf = append(p.buf, terminator)
}

func (p *packer) packInt(v int64) {
	switch {
	case v == 0:
		p.buf = append(p.buf, intZeroTag)
	case v > 0:
		n := magnitudeLen(uint64(v))
		p.buf = append(p.buf, byte(intZeroTag+n))
		p.appendBigEndian(uint64(v), n)
	default:
		// Negative magnitudes are stored one's-complemented so larger
		// magnitudes sort earlier.
		var m uint64
		if v == math.MinInt64 {
			m = uint64(math.MaxInt64) + 1
		} else {
			m = uint64(-v)
		}
		n := magnitudeLen(m)
		p.buf = append(p.buf, byte(intZeroTag-n))
		p.appendBigEndian(maxMagnitude(n)-m, n)
	}
}

func magnitudeLen(m uint64) int {
	n := 0
	for m > 0 {
		m >>= 8
		n++
	}
	return n
}

// maxMagnitude returns 2^(8n)-1 for 1 <= n <= 8.
func maxMagnitude(n int) uint64 {
	if n == 8 {
		return math.MaxUint64
	}
	return (uint64(1) << (8 * n)) - 1
}

func (p *packer) appendBigEndian(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		p.buf = append(p.buf, byte(v>>(8*i)))
	}
}
