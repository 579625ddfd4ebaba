// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package recordlayer

import (
	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/orderedkv/recordlayer/schema"
)

// RecordSerializer converts records to and from stored payload bytes. The
// store treats payloads as opaque; hosts may plug in any codec that round
// trips their record types.
type RecordSerializer interface {
	Serialize(r schema.Record) ([]byte, error)
	Deserialize(recordType string, payload []byte) (schema.Record, error)
}

// Payload frame tags for the default serializer.
const (
	frameJSON byte = 0x00
	frameJSONSnappy byte = 0x01
)

// JSONSerializer is the default serializer: go-json payloads, optionally
// snappy-compressed behind a one-byte frame tag. Each record type registers
// a factory so deserialization can allocate the host's concrete type.
type JSONSerializer struct {
	factories map[string]func() schema.Record
	// Compress enables snappy framing for payloads that shrink.
	Compress bool
}

// NewJSONSerializer returns an empty serializer; register types with
// Register.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{factories: map[string]func() schema.Record{}}
}

// Register adds a record type factory and returns the receiver for
// chaining.
func (s *JSONSerializer) Register(recordType string, factory func() schema.Record) *JSONSerializer {
	s.factories[recordType] = factory
	return s
}

// Serialize implements RecordSerializer.
func (s *JSONSerializer) Serialize(r schema.Record) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrapf(err, "serializing %q record", r.RecordName())
	}
	if s.Compress {
		compressed := snappy.Encode(nil, body)
		if len(compressed) < len(body) {
			return append([]byte{frameJSONSnappy}, compressed...), nil
		}
	}
	return append([]byte{frameJSON}, body...), nil
}

// Deserialize implements RecordSerializer.
func (s *JSONSerializer) Deserialize(recordType string, payload []byte) (schema.Record, error) {
	factory, ok := s.factories[recordType]
	if !ok {
		return nil, errors.Newf("no factory registered for record type %q", recordType)
	}
	if len(payload) == 0 {
		return nil, errors.Newf("empty payload for record type %q", recordType)
	}
	body := payload[1:]
	switch payload[0] {
	case frameJSON:
	case frameJSONSnappy:
		var err error
		if body, err = snappy.Decode(nil, body); err != nil {
			return nil, errors.Wrapf(err, "decompressing %q record", recordType)
		}
	default:
		return nil, errors.Newf("unknown payload frame tag 0x%02x for %q", payload[0], recordType)
	}
	r := factory()
	if err := json.Unmarshal(body, r); err != nil {
		return nil, errors.Wrapf(err, "deserializing %q record", recordType)
	}
	return r, nil
}
