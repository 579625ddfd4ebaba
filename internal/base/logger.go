// Copyright 2026 The RecordLayer Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package base holds shared infrastructure for the record layer: the logger
// contract and the error constructors the other packages build their
// taxonomies on.
package base

import "go.uber.org/zap"

// Logger is the logging contract plumbed through Options. Implementations
// must be safe for concurrent use.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// DefaultLogger logs through a production-configured zap logger.
var DefaultLogger Logger = newDefaultLogger()

func newDefaultLogger() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		// zap.NewProduction fails only on invalid config; ours is fixed.
		panic(err)
	}
	return &zapLogger{s: l.Sugar()}
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Infof(format string, args ...interface{})  { z.s.Infof(format, args...) }
func (z *zapLogger) Warnf(format string, args ...interface{})  { z.s.Warnf(format, args...) }
func (z *zapLogger) Errorf(format string, args ...interface{}) { z.s.Errorf(format, args...) }

// NopLogger discards everything; used by tests that assert on state rather
// than log output.
var NopLogger Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
