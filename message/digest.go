// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"encoding/gob"

	"golang.org/x/crypto/sha3"
)

// Digest is a collision-resistant hash of a client request (spec §3:
// "d(m)"). Two requests are equal iff their digests match.
type Digest [32]byte

// IsZero reports whether d is the zero digest, used to recognize an
// unset PrePrepare.Digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// gobEncode panics on encode failure: every type here is a plain data
// struct and can always be gob-encoded (mirrors myl7-pbft/pkg/utils.go
// GobEnc, which has the same contract).
func gobEncode(v any) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// hash is SHA3-256 over an arbitrary byte slice (myl7-pbft/crypto.go
// uses SHAKE256; we use the fixed-output Sum256 since digests here are
// compared and stored as fixed-size array keys).
func hash(data []byte) Digest {
	return Digest(sha3.Sum256(data))
}

// DigestOf computes d(m) for a client request, per spec §3.
func DigestOf(r Request) Digest {
	return hash(gobEncode(r))
}

// signable* mirror the corresponding message's fields minus Auth, so
// the authenticator never signs itself.

type signablePrePrepare struct {
	SenderID int
	View     int
	Seq      int
	Digest   Digest
	Request  Request
}

type signablePrepare struct {
	SenderID int
	View     int
	Seq      int
	Digest   Digest
}

type signableCommit struct {
	SenderID int
	View     int
	Seq      int
	Digest   Digest
}

type signableRequest struct {
	View      int
	Request   Request
	Forwarded bool
}

type signableReply struct {
	SenderID int
	View     int
	ClientID string
	ClientTS int64
	Result   []byte
}

type signableSetView struct {
	SenderID int
	View     int
	Reason   string
}

// SigningDigest returns the digest an Authenticator signs/verifies for
// msg, i.e. the hash of every field except the authenticator itself.
func SigningDigest(msg Message) Digest {
	switch m := msg.(type) {
	case PrePrepare:
		return hash(gobEncode(signablePrePrepare{m.SenderID, m.View, m.Seq, m.Digest, m.Request}))
	case Prepare:
		return hash(gobEncode(signablePrepare{m.SenderID, m.View, m.Seq, m.Digest}))
	case Commit:
		return hash(gobEncode(signableCommit{m.SenderID, m.View, m.Seq, m.Digest}))
	case RequestMsg:
		return hash(gobEncode(signableRequest{m.View, m.Request, m.Forwarded}))
	case Reply:
		return hash(gobEncode(signableReply{m.SenderID, m.View, m.ClientID, m.ClientTS, m.Result}))
	case SetView:
		return hash(gobEncode(signableSetView{m.SenderID, m.View, m.Reason}))
	default:
		panic("message: SigningDigest: unhandled kind")
	}
}
