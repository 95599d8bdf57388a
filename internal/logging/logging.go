/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package logging abstracts the subset of *zap.Logger the rest of this
// module uses, so the protocol engine never depends on zap directly.
package logging

import "go.uber.org/zap"

// Logger is the subset of *zap.Logger this module utilizes. Abstracted
// as an interface to allow easier mocking in tests.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// NewDevelopment returns a console-friendly zap-backed Logger suitable
// for the cmd/ binaries and for tests.
func NewDevelopment(name string) Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		// Fall back to a no-op logger rather than failing startup over logging.
		l = zap.NewNop()
	}
	return l.Named(name)
}

// NewNop returns a Logger that discards everything, for tests that
// don't care about log output.
func NewNop() Logger {
	return zap.NewNop()
}
