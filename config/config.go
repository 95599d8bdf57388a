// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package config parses the CLI-facing configuration of spec §6 into
// the typed inputs replica.Config and transport.TCPNetwork need, and
// validates the n = 3f+1 invariant before anything is dialed or bound
// (spec §6: exit code 1, "configuration error").
package config

import (
	"crypto/ed25519"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// Peer is one entry of the `--peers "<id>@<host>:<port>,..."` list
// (spec §6).
type Peer struct {
	ID   int
	Addr string
}

// ParsePeers parses the comma-separated `<id>@<host>:<port>` list.
func ParsePeers(raw string) ([]Peer, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("config: --peers must not be empty")
	}
	parts := strings.Split(raw, ",")
	peers := make([]Peer, 0, len(parts))
	seen := make(map[int]bool, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		at := strings.IndexByte(p, '@')
		if at < 0 {
			return nil, errors.Errorf("config: malformed peer entry %q, want <id>@<host>:<port>", p)
		}
		id, err := strconv.Atoi(p[:at])
		if err != nil {
			return nil, errors.Wrapf(err, "config: peer id in %q", p)
		}
		addr := p[at+1:]
		if addr == "" {
			return nil, errors.Errorf("config: missing address in %q", p)
		}
		if seen[id] {
			return nil, errors.Errorf("config: duplicate peer id %d", id)
		}
		seen[id] = true
		peers = append(peers, Peer{ID: id, Addr: addr})
	}
	return peers, nil
}

// DeriveF returns the maximum tolerated fault count implied by n
// peers, when --f is not given explicitly (spec §6: "default derived
// from peer count"). n must already satisfy n = 3f+1 for some f >= 1.
func DeriveF(n int) (int, error) {
	if n < 4 || (n-1)%3 != 0 {
		return 0, errors.Errorf("config: %d replicas cannot satisfy n = 3f+1 for any f >= 1", n)
	}
	return (n - 1) / 3, nil
}

// ValidateN checks the n = 3f+1 invariant for an explicitly given f
// (spec §6: "n ≠ 3f+1" is a configuration error, exit code 1).
func ValidateN(n, f int) error {
	if f < 0 {
		return errors.New("config: f must be >= 0")
	}
	if n != 3*f+1 {
		return errors.Errorf("config: n=%d does not satisfy n = 3f+1 for f=%d", n, f)
	}
	return nil
}

// DeterministicKeyPair derives a replica's Ed25519 key material from
// its id alone. Spec §6's CLI surface has no key-distribution step, so
// every cmd/replica process derives the whole cluster's public keys
// the same way it derives its own, rather than needing an out-of-band
// exchange; this is a simulator convenience, not a cryptographic
// guarantee (spec Non-goals: "production-grade cryptography... modeled
// as given").
func DeterministicKeyPair(id int) (pub, priv []byte) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	seed := sha3.Sum256(buf[:])
	sk := ed25519.NewKeyFromSeed(seed[:])
	return []byte(sk.Public().(ed25519.PublicKey)), []byte(sk)
}
