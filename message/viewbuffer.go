// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package message

// DefaultBufferSize is the bounded FIFO depth per sender for messages
// whose view is ahead of the replica's current view (spec §4.1, §4.3.7:
// "buffer bounded-FIFO (say 256 entries); excess drops oldest").
const DefaultBufferSize = 256

// ViewBuffer holds messages whose view is strictly greater than the
// replica's current view, keyed by sender, pending a view advance.
type ViewBuffer struct {
	cap  int
	byID map[int][]Message
}

// NewViewBuffer returns a ViewBuffer with the given per-sender
// capacity. A non-positive capacity falls back to DefaultBufferSize.
func NewViewBuffer(capacity int) *ViewBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &ViewBuffer{cap: capacity, byID: make(map[int][]Message)}
}

// Push appends msg to its sender's queue, dropping the oldest entry
// for that sender if the queue is already at capacity.
func (b *ViewBuffer) Push(senderID int, msg Message) {
	q := b.byID[senderID]
	if len(q) >= b.cap {
		q = q[1:]
	}
	b.byID[senderID] = append(q, msg)
}

// DrainAtOrBelow removes and returns every buffered message whose view
// is <= view. Each sender's messages come out in FIFO order; the order
// in which different senders' messages are interleaved is not defined.
// Intended to
// be called right after a replica's view advances.
func (b *ViewBuffer) DrainAtOrBelow(view int) []Message {
	var out []Message
	for id, q := range b.byID {
		var keep []Message
		for _, m := range q {
			if m.GetHeader().View <= view {
				out = append(out, m)
			} else {
				keep = append(keep, m)
			}
		}
		if len(keep) == 0 {
			delete(b.byID, id)
		} else {
			b.byID[id] = keep
		}
	}
	return out
}

// Len returns the total number of buffered messages, across all
// senders. Used by tests asserting the bounded-FIFO drop behavior.
func (b *ViewBuffer) Len() int {
	n := 0
	for _, q := range b.byID {
		n += len(q)
	}
	return n
}
