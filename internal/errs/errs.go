// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package errs collects the sentinel errors of the protocol's error
// taxonomy (spec §7), so every package reports failures the same way.
package errs

import "errors"

// Store-level failures (spec §4.2).
var (
	ErrEquivocation      = errors.New("equivocation: primary sent conflicting pre-prepares for the same view/seq")
	ErrOutOfOrderExecute = errors.New("out-of-order execute: seq is not last_executed + 1")
	ErrUnknownView       = errors.New("unknown view: message view does not match replica state")
)

// Message-model failures (spec §4.1).
var (
	ErrInvalidSig      = errors.New("sig error: invalid signature")
	ErrUnmatchedDigest = errors.New("digest error: digest does not match the request")
	ErrStaleView       = errors.New("view error: message view is older than the current view")
	ErrFutureView      = errors.New("view error: message view is newer than the current view")
	ErrUnknownSender   = errors.New("sender error: unknown replica id")
)

// ErrInvariantViolation is fatal: the caller is expected to log the
// evidence and terminate the process with exit code 3 (spec §6, §7).
var ErrInvariantViolation = errors.New("invariant violation")
