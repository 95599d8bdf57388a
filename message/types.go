// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package message implements the typed message union of spec §3/§4.1:
// construction, authenticator verification and digesting for every
// inter-replica and client/replica message kind.
package message

// Kind tags which variant of the message union a Message carries.
// Dispatch on Kind must be exhaustive at every call site (spec §9).
type Kind int

const (
	KindRequest Kind = iota
	KindPrePrepare
	KindPrepare
	KindCommit
	KindReply
	KindSetView
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindPrePrepare:
		return "PRE-PREPARE"
	case KindPrepare:
		return "PREPARE"
	case KindCommit:
		return "COMMIT"
	case KindReply:
		return "REPLY"
	case KindSetView:
		return "SET-VIEW"
	default:
		return "UNKNOWN"
	}
}

// Header carries the fields common to every inter-replica message kind
// (spec §3: "all inter-replica messages carry (sender_id, view,
// authenticator)").
type Header struct {
	SenderID int
	View     int
	Auth     []byte
}

// Request is a client request: client id, client-local monotonic
// timestamp, and an opaque payload (spec §3).
type Request struct {
	ClientID  string
	Timestamp int64
	Payload   []byte
}

// RequestMsg wraps a Request on the wire. Forwarded is set by a
// backup re-sending the request to the primary, and suppresses further
// re-forwarding (spec §4.3.1 step 2).
type RequestMsg struct {
	Header
	Request   Request
	Forwarded bool
}

func (m RequestMsg) Kind() Kind      { return KindRequest }
func (m RequestMsg) GetHeader() Header { return m.Header }

// PrePrepare is emitted by the primary only (spec §3).
type PrePrepare struct {
	Header
	Seq     int
	Digest  Digest
	Request Request
}

func (m PrePrepare) Kind() Kind        { return KindPrePrepare }
func (m PrePrepare) GetHeader() Header { return m.Header }

// Prepare may be emitted by any replica, including the primary.
type Prepare struct {
	Header
	Seq    int
	Digest Digest
}

func (m Prepare) Kind() Kind        { return KindPrepare }
func (m Prepare) GetHeader() Header { return m.Header }

// Commit may be emitted by any replica.
type Commit struct {
	Header
	Seq    int
	Digest Digest
}

func (m Commit) Kind() Kind        { return KindCommit }
func (m Commit) GetHeader() Header { return m.Header }

// Reply is sent by any replica back to the client. Header.SenderID
// doubles as the "replica_id" field of spec §3's message table.
type Reply struct {
	Header
	ClientID  string
	ClientTS  int64
	Result    []byte
}

func (m Reply) Kind() Kind        { return KindReply }
func (m Reply) GetHeader() Header { return m.Header }

// SetView is not part of spec §3's core message table. It backs the
// simplified view-change trigger supplemented from
// original_source/core/node.py: a replica that bumps its own view
// broadcasts SetView so peers adopt the higher view without waiting to
// rediscover it independently.
type SetView struct {
	Header
	Reason string
}

func (m SetView) Kind() Kind        { return KindSetView }
func (m SetView) GetHeader() Header { return m.Header }

// Message is the tagged variant of spec §9: "Message = PrePrepare |
// Prepare | Commit | Request | Reply", plus SetView. Every dispatch
// site must handle all kinds exhaustively.
type Message interface {
	Kind() Kind
	GetHeader() Header
}

var (
	_ Message = RequestMsg{}
	_ Message = PrePrepare{}
	_ Message = Prepare{}
	_ Message = Commit{}
	_ Message = Reply{}
	_ Message = SetView{}
)
