// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nghessss/pBFT-no-fork/internal/logging"
	"github.com/nghessss/pBFT-no-fork/message"
)

// TCPNetwork is the default Network: one listener accepting inbound
// connections from peers, and one outbound connection per peer,
// reconnected transparently on failure (spec §4.4). Encoding is
// encoding/gob (see network.go's Envelope); any reliable, ordered,
// authenticated stream satisfies spec §6, and message-level Ed25519
// signatures (message.Authenticator) provide the authentication this
// adapter itself does not.
type TCPNetwork struct {
	selfID    int
	addresses map[int]string // peer id -> "host:port"

	log logging.Logger

	listener net.Listener
	incoming chan message.Message

	mu    sync.Mutex
	conns map[int]*outboundConn
	up    map[int]bool

	closing chan struct{}
}

type outboundConn struct {
	queue chan message.Message
}

const outboundQueueDepth = 256

// NewTCPNetwork starts listening on listenAddr and returns a Network
// for selfID with the given peer address table (spec §6: "--peers
// '<id>@<host>:<port>,...'").
func NewTCPNetwork(selfID int, listenAddr string, addresses map[int]string, log logging.Logger) (*TCPNetwork, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: bind %s", listenAddr)
	}

	n := &TCPNetwork{
		selfID:    selfID,
		addresses: addresses,
		log:       log,
		listener:  ln,
		incoming:  make(chan message.Message, 1024),
		conns:     make(map[int]*outboundConn),
		up:        make(map[int]bool),
		closing:   make(chan struct{}),
	}
	for id := range addresses {
		n.up[id] = true
	}

	go n.acceptLoop()
	return n, nil
}

func (n *TCPNetwork) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.closing:
				return
			default:
				if n.log != nil {
					n.log.Warn("transport: accept failed")
				}
				return
			}
		}
		go n.readLoop(conn)
	}
}

func (n *TCPNetwork) readLoop(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			return // peer closed or stream corrupted: stop reading, never panic
		}
		select {
		case n.incoming <- env.M:
		case <-n.closing:
			return
		}
	}
}

func (n *TCPNetwork) outboundFor(to int) *outboundConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	if oc, ok := n.conns[to]; ok {
		return oc
	}
	oc := &outboundConn{queue: make(chan message.Message, outboundQueueDepth)}
	n.conns[to] = oc
	go n.writeLoop(to, oc)
	return oc
}

// writeLoop owns reconnection: a dial failure just retries on the next
// message rather than surfacing an error to Send, matching spec §4.4's
// "Reconnection is transparent."
func (n *TCPNetwork) writeLoop(to int, oc *outboundConn) {
	var conn net.Conn
	var enc *gob.Encoder

	dial := func() bool {
		addr, ok := n.addresses[to]
		if !ok {
			return false
		}
		c, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			n.mu.Lock()
			n.up[to] = false
			n.mu.Unlock()
			return false
		}
		conn = c
		enc = gob.NewEncoder(conn)
		n.mu.Lock()
		n.up[to] = true
		n.mu.Unlock()
		return true
	}

	for {
		select {
		case msg, ok := <-oc.queue:
			if !ok {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if enc == nil && !dial() {
				continue // drop: peer unreachable, quorum tolerates it
			}
			if err := enc.Encode(Envelope{M: msg}); err != nil {
				if conn != nil {
					conn.Close()
				}
				conn, enc = nil, nil
				n.mu.Lock()
				n.up[to] = false
				n.mu.Unlock()
			}
		case <-n.closing:
			if conn != nil {
				conn.Close()
			}
			return
		}
	}
}

func (n *TCPNetwork) Send(to int, msg message.Message) error {
	oc := n.outboundFor(to)
	select {
	case oc.queue <- msg:
		return nil
	default:
		return errors.Errorf("transport: outbound queue to %d full", to)
	}
}

func (n *TCPNetwork) Recv(ctx context.Context) (message.Message, error) {
	select {
	case m := <-n.incoming:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *TCPNetwork) PeerUp(id int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.up[id]
}

func (n *TCPNetwork) Close() error {
	close(n.closing)
	return n.listener.Close()
}
