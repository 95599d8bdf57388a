// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/nghessss/pBFT-no-fork/message"
)

// Fabric is a shared in-process "network" connecting every replica's
// ChannelNetwork, grounded on myl7-pbft/node_test.go's
// chanNodeCommunicator. It lets Byzantine-fault and liveness scenarios
// run deterministically in a single test process without real sockets.
type Fabric struct {
	chans map[int]chan message.Message
	delay func() time.Duration

	mu    sync.Mutex
	up    map[int]bool
	links map[linkKey]chan message.Message
}

// linkKey identifies one sender-to-recipient pipe. Every message from
// a given sender to a given recipient is funneled through the same
// pipe and drained by a single goroutine, so messages from one sender
// are delivered to one recipient in send order (spec §4.4, §5:
// "Messages from a single sender are processed in send order").
type linkKey struct {
	from, to int
}

const linkQueueDepth = 1024

// NewFabric creates a Fabric for the given replica ids. Each replica
// gets a buffered inbound channel; a sender never blocks, and a message
// that finds its link or the recipient's inbound channel full is
// dropped.
func NewFabric(ids []int) *Fabric {
	f := &Fabric{
		chans: make(map[int]chan message.Message, len(ids)),
		up:    make(map[int]bool, len(ids)),
		links: make(map[linkKey]chan message.Message),
		delay: func() time.Duration {
			return time.Duration(rand.Intn(20)) * time.Millisecond
		},
	}
	for _, id := range ids {
		f.chans[id] = make(chan message.Message, 1024)
		f.up[id] = true
	}
	return f
}

// SetUp marks a replica as reachable or not; a replica marked down
// silently drops messages sent to it, simulating a crash (spec §4.4,
// §7: TransportTransient).
func (f *Fabric) SetUp(id int, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up[id] = up
}

func (f *Fabric) peerUp(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up[id]
}

// linkFor returns the single ordered pipe for messages sent from
// `from` to `to`, starting its delivery goroutine on first use.
func (f *Fabric) linkFor(from, to int) chan message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := linkKey{from, to}
	if ch, ok := f.links[k]; ok {
		return ch
	}
	ch := make(chan message.Message, linkQueueDepth)
	f.links[k] = ch
	go f.deliverLoop(ch, to)
	return ch
}

// deliverLoop drains one sender-recipient pipe strictly in order,
// applying the fabric's delay once per message but never reordering:
// only one goroutine ever reads this channel, and it waits out each
// delay before moving to the next message.
func (f *Fabric) deliverLoop(queue chan message.Message, to int) {
	for msg := range queue {
		time.Sleep(f.delay())
		select {
		case f.chans[to] <- msg:
		default:
			// Bounded recipient queue full: the message is lost, same
			// as a transient network failure. Quorum counting
			// tolerates it.
		}
	}
}

// NetworkFor returns the Network view of the fabric for replica id.
func (f *Fabric) NetworkFor(id int) *ChannelNetwork {
	return &ChannelNetwork{id: id, fabric: f}
}

// ChannelNetwork is a Network backed by a Fabric.
type ChannelNetwork struct {
	id     int
	fabric *Fabric
}

func (c *ChannelNetwork) Send(to int, msg message.Message) error {
	if _, ok := c.fabric.chans[to]; !ok || !c.fabric.peerUp(to) {
		return nil // unreachable peer: dropped, not an error (spec §4.4)
	}
	link := c.fabric.linkFor(c.id, to)
	select {
	case link <- msg:
	default:
		// Sender-side pipe full: dropped, same tolerance as above.
	}
	return nil
}

func (c *ChannelNetwork) Recv(ctx context.Context) (message.Message, error) {
	select {
	case m := <-c.fabric.chans[c.id]:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ChannelNetwork) PeerUp(id int) bool {
	return c.fabric.peerUp(id)
}

func (c *ChannelNetwork) Close() error {
	return nil
}
