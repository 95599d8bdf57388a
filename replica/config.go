// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"time"

	"github.com/pkg/errors"

	"github.com/nghessss/pBFT-no-fork/message"
)

// Config is the fixed parameter set a replica is started with (spec
// §6: "Configuration parameters"). It never changes after NewEngine.
type Config struct {
	ID    int
	Peers []int // every replica id in the cluster, including ID
	F     int

	PrivateKey []byte            // this replica's signing key
	PublicKeys map[int][]byte    // replica id -> verification key
	Auth       message.Authenticator

	// SeqWindow is the optional high/low watermark span of spec §4.3.2.
	// Zero means unbounded ("otherwise always true").
	SeqWindow int

	ClientTimeout   time.Duration
	ProgressTimeout time.Duration
}

// N is the cluster size implied by Peers.
func (c Config) N() int {
	return len(c.Peers)
}

// Validate enforces n = 3f+1 (spec §6, §8: "n = 3f+1 exactly ->
// protocol progresses; n = 3f -> startup rejected").
func (c Config) Validate() error {
	if c.F < 0 {
		return errors.Errorf("replica: f must be >= 0, got %d", c.F)
	}
	n := c.N()
	if n != 3*c.F+1 {
		return errors.Errorf("replica: n=%d does not satisfy n = 3f+1 for f=%d", n, c.F)
	}
	found := false
	for _, id := range c.Peers {
		if id == c.ID {
			found = true
			break
		}
	}
	if !found {
		return errors.Errorf("replica: id %d is not a member of its own peer list", c.ID)
	}
	if c.Auth == nil {
		return errors.New("replica: Auth authenticator is required")
	}
	return nil
}

// primaryFor returns the primary replica id for view v (spec §3:
// "primary of view v is v mod n"; replica ids are the dense range
// [0, n)).
func (c Config) primaryFor(v int) int {
	return v % c.N()
}
