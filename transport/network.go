// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the thin contract of spec §4.4: send a
// typed message to a peer by replica id, receive inbound messages, and
// query whether a peer is currently reachable. Delivery is reliable and
// ordered per sender but may be delayed arbitrarily; it is never
// corrupted (decode errors are treated as no delivery).
package transport

import (
	"context"
	"encoding/gob"

	"github.com/nghessss/pBFT-no-fork/message"
)

func init() {
	// Every concrete Message kind must be registered so gob can encode
	// and decode the Envelope.M interface field (spec §9: tagged union).
	gob.Register(message.RequestMsg{})
	gob.Register(message.PrePrepare{})
	gob.Register(message.Prepare{})
	gob.Register(message.Commit{})
	gob.Register(message.Reply{})
	gob.Register(message.SetView{})
}

// Envelope is the on-wire unit: one message.Message value, tagged by
// its own concrete type for gob decoding. Spec §6 leaves the on-wire
// encoding an implementation choice; this module picks gob since it
// round-trips the message union with no generated code required.
type Envelope struct {
	M message.Message
}

// Network is the transport adapter contract of spec §4.4.
type Network interface {
	// Send enqueues msg for delivery to replica id. It does not block
	// on the peer being reachable; a peer that never comes up simply
	// never receives it, which PBFT's quorum counting tolerates.
	Send(to int, msg message.Message) error

	// Recv cooperatively blocks until the next inbound message, or
	// until ctx is done.
	Recv(ctx context.Context) (message.Message, error)

	// PeerUp reports whether replica id is currently reachable.
	PeerUp(id int) bool

	// Close releases the resources held by this Network.
	Close() error
}

// Broadcast sends msg to every id in peers except self (spec §4.4:
// "Broadcast is defined as iteration over the peer set; partial
// broadcast failures are tolerated").
func Broadcast(n Network, self int, peers []int, msg message.Message) {
	for _, id := range peers {
		if id == self {
			continue
		}
		_ = n.Send(id, msg)
	}
}
