// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package message

import "crypto/ed25519"

// Authenticator models the per-sender MAC vector or signature of spec
// §4.1. Production-grade cryptography is out of scope (spec
// Non-goals); the interface exists so that Byzantine-message tests can
// inject forgeries and observe rejection.
type Authenticator interface {
	Sign(digest Digest, sk []byte) []byte
	Verify(digest Digest, sig []byte, pk []byte) bool
}

// Ed25519Authenticator is the default Authenticator, grounded on
// myl7-pbft/crypto.go's genSig/verifySig.
type Ed25519Authenticator struct{}

func (Ed25519Authenticator) Sign(digest Digest, sk []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(sk), digest[:])
}

func (Ed25519Authenticator) Verify(digest Digest, sig []byte, pk []byte) bool {
	if len(pk) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pk), digest[:], sig)
}

// NoopAuthenticator accepts every signature unconditionally. It exists
// for simulation modes that want to skip cryptographic cost entirely;
// it must never be used where Byzantine-forgery tests expect rejection.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Sign(Digest, []byte) []byte { return nil }

func (NoopAuthenticator) Verify(Digest, []byte, []byte) bool { return true }

// GenerateKeyPair is a thin wrapper for tests and the cmd/ binaries
// that need to provision replica/client key material.
func GenerateKeyPair() (pub, priv []byte, err error) {
	pk, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, err
	}
	return []byte(pk), []byte(sk), nil
}
