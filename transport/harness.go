// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/nghessss/pBFT-no-fork/message"
)

// TestHarness wraps a Network to inject message drops, reorderings,
// and forged authenticators at test time, per spec §9: "expose these
// as an explicit TestHarness capability rather than sprinkling
// conditionals through the engine."
type TestHarness struct {
	inner Network

	mu        sync.Mutex
	dropTo    map[int]bool
	corruptTo map[int]bool
	pending   []pendingSend // held back for manual release, to test reordering
}

type pendingSend struct {
	to  int
	msg message.Message
}

// NewTestHarness wraps inner with no faults active.
func NewTestHarness(inner Network) *TestHarness {
	return &TestHarness{
		inner:     inner,
		dropTo:    make(map[int]bool),
		corruptTo: make(map[int]bool),
	}
}

// DropAllTo makes every future Send to `to` silently vanish, modeling
// a crashed or partitioned peer (spec §4.4, §7: TransportTransient).
func (h *TestHarness) DropAllTo(to int, drop bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropTo[to] = drop
}

// CorruptAuthTo makes every future Send to `to` forge the message's
// authenticator bytes, so receiver-side AuthFailure handling can be
// exercised (spec §7: AuthFailure).
func (h *TestHarness) CorruptAuthTo(to int, corrupt bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.corruptTo[to] = corrupt
}

// Hold queues msg for `to` without sending it, until ReleaseReversed,
// for tests that want explicit control over message reordering. Send
// itself never holds anything back.
func (h *TestHarness) Hold(to int, msg message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, pendingSend{to, msg})
}

// ReleaseReversed delivers every held message in reverse order,
// exercising spec §5's "across senders, no ordering is assumed."
func (h *TestHarness) ReleaseReversed() {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		_ = h.inner.Send(pending[i].to, pending[i].msg)
	}
}

func forgeAuth(msg message.Message) message.Message {
	switch m := msg.(type) {
	case message.PrePrepare:
		m.Auth = append([]byte(nil), m.Auth...)
		m.Auth = append(m.Auth, 0xff)
		return m
	case message.Prepare:
		m.Auth = append(append([]byte(nil), m.Auth...), 0xff)
		return m
	case message.Commit:
		m.Auth = append(append([]byte(nil), m.Auth...), 0xff)
		return m
	case message.RequestMsg:
		m.Auth = append(append([]byte(nil), m.Auth...), 0xff)
		return m
	case message.Reply:
		m.Auth = append(append([]byte(nil), m.Auth...), 0xff)
		return m
	case message.SetView:
		m.Auth = append(append([]byte(nil), m.Auth...), 0xff)
		return m
	default:
		return msg
	}
}

// EquivocatePrePrepare sends a distinctly-digested PrePrepare derived
// from base to each target, modeling a Byzantine primary equivocating
// across replicas for the same (view, seq) (spec §8 scenario 4;
// original_source's _byz_make_chaos_pre_prepare).
func (h *TestHarness) EquivocatePrePrepare(base message.PrePrepare, targets map[int]message.Digest, auth message.Authenticator, sk []byte) {
	for to, d := range targets {
		m := base
		m.Digest = d
		m.Auth = auth.Sign(message.SigningDigest(m), sk)
		_ = h.Send(to, m)
	}
}

func (h *TestHarness) Send(to int, msg message.Message) error {
	h.mu.Lock()
	drop := h.dropTo[to]
	corrupt := h.corruptTo[to]
	h.mu.Unlock()

	if drop {
		return nil
	}
	if corrupt {
		msg = forgeAuth(msg)
	}
	return h.inner.Send(to, msg)
}

func (h *TestHarness) Recv(ctx context.Context) (message.Message, error) {
	return h.inner.Recv(ctx)
}

func (h *TestHarness) PeerUp(id int) bool {
	return h.inner.PeerUp(id)
}

func (h *TestHarness) Close() error {
	return h.inner.Close()
}

var _ Network = (*TestHarness)(nil)
