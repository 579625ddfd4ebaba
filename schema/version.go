// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package schema

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/orderedkv/recordlayer/tuple"
)

// Version is a semantic schema version.
type Version struct {
	Major, Minor, Patch int
}

// V is shorthand for building a Version.
func V(major, minor, patch int) Version {
	return Version{Major: major, Minor: minor, Patch: patch}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare orders versions: major, then minor, then patch.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// Tuple returns the persisted (major, minor, patch) form.
func (v Version) Tuple() tuple.Tuple {
	return tuple.Tuple{int64(v.Major), int64(v.Minor), int64(v.Patch)}
}

// VersionFromTuple decodes the persisted form.
func VersionFromTuple(t tuple.Tuple) (Version, error) {
	if len(t) != 3 {
		return Version{}, errors.Newf("schema: malformed version tuple %v", t)
	}
	out := Version{}
	for i, dst := range []*int{&out.Major, &out.Minor, &out.Patch} {
		n, ok := t[i].(int64)
		if !ok {
			return Version{}, errors.Newf("schema: malformed version tuple %v", t)
		}
		*dst = int(n)
	}
	return out, nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
