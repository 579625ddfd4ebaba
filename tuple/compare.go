// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package tuple

import "bytes"

// Compare orders two tuples by their documented semantic order: element by
// element, shorter prefix first, cross-type order following the type tags and
// within-type order following the natural order of the value. It agrees with
// bytes.Compare over the packed forms (see the order-preservation tests).
//
// Compare panics on unencodable elements; callers hold tuples that already
// packed successfully.
func Compare(a, b Tuple) int {
	// The packed forms are the ground truth for ordering, and every branchy
	// reimplementation of the tie rules is a chance to disagree with them.
	return bytes.Compare(mustPackComparable(a), mustPackComparable(b))
}

// Equal reports semantic equality, which for tuples coincides with packed
// byte equality. Note +0.0 and -0.0 compare unequal, matching byte equality.
func Equal(a, b Tuple) bool {
	return Compare(a, b) == 0
}

func mustPackComparable(t Tuple) []byte {
	b, err := t.packFlat(nil)
	if err != nil {
		panic(err)
	}
	return b
}
