// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package store is the per-replica log & state store of spec §4.2: an
// in-memory record of pre-prepares, prepares, commits, executed
// sequence numbers and the client reply cache, with idempotent insert
// operations and quorum-readiness queries.
//
// Every accepted message is additionally journaled into an embedded,
// in-memory-only badger instance (never opened against a disk path),
// giving the store a real KV-engine-shaped persistence boundary
// without violating spec's Non-goal of durable state across restarts.
package store

import (
	"bytes"
	"encoding/gob"
	"fmt"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"

	"github.com/nghessss/pBFT-no-fork/internal/errs"
	"github.com/nghessss/pBFT-no-fork/internal/logging"
	"github.com/nghessss/pBFT-no-fork/message"
)

type slotKey struct {
	View, Seq int
}

// slot is the derived per-(view,seq) state of spec §3's "Log entry".
// PREPARE and COMMIT sender sets are kept per-digest (spec §4.3.3:
// "store each unique (sender, v, seq, d)"), so a vote for a digest
// that later turns out not to match the accepted PrePrepare simply
// never reaches quorum, rather than having to be rejected up front.
type slot struct {
	hasPrePrepare bool
	digest        message.Digest
	prePrepare    message.PrePrepare

	prepareSenders map[message.Digest]map[int]bool
	commitSenders  map[message.Digest]map[int]bool

	// seenDigests accumulates every digest this replica has observed
	// for the slot, across PrePrepare/Prepare/Commit alike. More than
	// one distinct entry is the local evidence the simplified
	// view-change trigger (replica.Engine.maybeAdvanceView) acts on.
	seenDigests map[message.Digest]bool

	prepared       bool
	committedLocal bool
	executed       bool
}

func newSlot() *slot {
	return &slot{
		prepareSenders: make(map[message.Digest]map[int]bool),
		commitSenders:  make(map[message.Digest]map[int]bool),
		seenDigests:    make(map[message.Digest]bool),
	}
}

func (s *slot) prepareCount(d message.Digest) int {
	return len(s.prepareSenders[d])
}

func (s *slot) commitCount(d message.Digest) int {
	return len(s.commitSenders[d])
}

type replyKey struct {
	ClientID string
	Ts       int64
}

// Log is the state store owned by a single replica. It is not safe for
// concurrent use: spec §5 requires all mutation to happen from the
// replica's one serialization point, and Log relies on that.
type Log struct {
	db  *badger.DB
	log logging.Logger

	slots    map[slotKey]*slot
	lastExec int
	hasExec  bool

	replyCache map[replyKey]message.Reply
}

// Open creates an empty Log backed by an in-memory badger instance.
func Open(log logging.Logger) (*Log, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogAdapter{log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "store: open badger")
	}
	return &Log{
		db:         db,
		log:        log,
		slots:      make(map[slotKey]*slot),
		replyCache: make(map[replyKey]message.Reply),
	}, nil
}

// Close releases the underlying badger instance.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) slotFor(view, seq int) *slot {
	k := slotKey{view, seq}
	s, ok := l.slots[k]
	if !ok {
		s = newSlot()
		l.slots[k] = s
	}
	return s
}

func (l *Log) journal(key string, v any) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		// Every value passed here is a plain struct; encode failure is a bug.
		panic(err)
	}
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf.Bytes())
	})
	if err != nil && l.log != nil {
		l.log.Warn("store: journal write failed", zapErr(err))
	}
}

// AcceptPrePrepare stores at most one PrePrepare per (view,seq). A
// second PrePrepare at the same slot with a different digest is
// equivocation (spec §3, §4.2): it is rejected and reported, and the
// existing entry is left untouched.
func (l *Log) AcceptPrePrepare(pp message.PrePrepare) error {
	s := l.slotFor(pp.View, pp.Seq)
	s.seenDigests[pp.Digest] = true
	if s.hasPrePrepare {
		if s.digest != pp.Digest {
			return errs.ErrEquivocation
		}
		return nil // duplicate: idempotent no-op
	}
	s.hasPrePrepare = true
	s.digest = pp.Digest
	s.prePrepare = pp
	l.journal(fmt.Sprintf("pp:%d:%d", pp.View, pp.Seq), pp)
	return nil
}

// PrePrepareFor returns the accepted PrePrepare for (view,seq), if any.
func (l *Log) PrePrepareFor(view, seq int) (message.PrePrepare, bool) {
	s, ok := l.slots[slotKey{view, seq}]
	if !ok || !s.hasPrePrepare {
		return message.PrePrepare{}, false
	}
	return s.prePrepare, true
}

// AddPrepare stores a PREPARE from sender, idempotently, and returns
// the updated distinct-sender count for (view, seq, digest) (spec
// §4.2, §4.3.3).
func (l *Log) AddPrepare(p message.Prepare) int {
	s := l.slotFor(p.View, p.Seq)
	s.seenDigests[p.Digest] = true
	set := s.prepareSenders[p.Digest]
	if set == nil {
		set = make(map[int]bool)
		s.prepareSenders[p.Digest] = set
	}
	if !set[p.SenderID] {
		set[p.SenderID] = true
		l.journal(fmt.Sprintf("pv:%d:%d:%d", p.View, p.Seq, p.SenderID), p)
	}
	return len(set)
}

// PrepareCount returns the current distinct-sender PREPARE count for
// (view, seq, digest), without mutating anything.
func (l *Log) PrepareCount(view, seq int, d message.Digest) int {
	return l.slotFor(view, seq).prepareCount(d)
}

// MarkPrepared records that the slot reached the prepared state (spec
// §3). It is idempotent and monotonic: once true, it stays true.
func (l *Log) MarkPrepared(view, seq int) {
	l.slotFor(view, seq).prepared = true
}

// Prepared reports whether the slot has reached the prepared state.
func (l *Log) Prepared(view, seq int) bool {
	return l.slotFor(view, seq).prepared
}

// AddCommit stores a COMMIT from sender, idempotently, and returns the
// updated distinct-sender count (spec §4.2, §4.3.4).
func (l *Log) AddCommit(c message.Commit) int {
	s := l.slotFor(c.View, c.Seq)
	s.seenDigests[c.Digest] = true
	set := s.commitSenders[c.Digest]
	if set == nil {
		set = make(map[int]bool)
		s.commitSenders[c.Digest] = set
	}
	if !set[c.SenderID] {
		set[c.SenderID] = true
		l.journal(fmt.Sprintf("co:%d:%d:%d", c.View, c.Seq, c.SenderID), c)
	}
	return len(set)
}

// CommitCount returns the current distinct-sender COMMIT count for
// (view, seq, digest), without mutating anything.
func (l *Log) CommitCount(view, seq int, d message.Digest) int {
	return l.slotFor(view, seq).commitCount(d)
}

// MarkCommittedLocal records that the slot reached committed-local.
func (l *Log) MarkCommittedLocal(view, seq int) {
	l.slotFor(view, seq).committedLocal = true
}

// CommittedLocal reports whether the slot has reached committed-local.
func (l *Log) CommittedLocal(view, seq int) bool {
	return l.slotFor(view, seq).committedLocal
}

// Executed reports whether seq has already been executed.
func (l *Log) Executed(view, seq int) bool {
	return l.slotFor(view, seq).executed
}

// LastExecuted returns the highest seq executed so far, and whether
// any seq has been executed at all (spec §3: execution is a
// contiguous prefix starting at 0).
func (l *Log) LastExecuted() (seq int, ok bool) {
	return l.lastExec, l.hasExec
}

// MarkExecuted marks seq as executed. Its precondition is seq ==
// last_executed + 1 (spec §4.2); violating it is an OutOfOrderExecute
// programming error and is reported rather than silently accepted.
func (l *Log) MarkExecuted(view, seq int) error {
	expected := 0
	if l.hasExec {
		expected = l.lastExec + 1
	}
	if seq != expected {
		return errs.ErrOutOfOrderExecute
	}
	l.slotFor(view, seq).executed = true
	l.lastExec = seq
	l.hasExec = true
	l.journal(fmt.Sprintf("exec:%d", seq), seq)
	return nil
}

// CachedReply returns the most recent reply produced for
// (clientID, ts), enforcing at-most-once execution (spec §3).
func (l *Log) CachedReply(clientID string, ts int64) (message.Reply, bool) {
	r, ok := l.replyCache[replyKey{clientID, ts}]
	return r, ok
}

// PutReply caches the reply for (clientID, ts).
func (l *Log) PutReply(r message.Reply) {
	l.replyCache[replyKey{r.ClientID, r.ClientTS}] = r
	l.journal(fmt.Sprintf("reply:%s:%d", r.ClientID, r.ClientTS), r)
}

// DistinctDigestCount returns how many distinct digests this replica
// has observed for (view, seq) across PrePrepare/Prepare/Commit. A
// count greater than one is this replica's own local evidence of a
// conflicting slot (spec §9's equivocation evidence, generalized
// beyond the primary-only case of a bare AcceptPrePrepare error).
func (l *Log) DistinctDigestCount(view, seq int) int {
	return len(l.slotFor(view, seq).seenDigests)
}

// FindCommittedUnexecuted returns the accepted PrePrepare for some slot
// at the given seq (any view) that has reached committed-local but not
// yet executed, if one exists. Used by the execution driver of spec
// §4.3.5, which scans by ascending seq rather than by (view, seq).
func (l *Log) FindCommittedUnexecuted(seq int) (message.PrePrepare, bool) {
	for k, s := range l.slots {
		if k.Seq == seq && s.committedLocal && !s.executed {
			return s.prePrepare, true
		}
	}
	return message.PrePrepare{}, false
}

// PreparedSlots and CommittedSlots back the observer's status query
// (spec §4.5): counts of slots that have reached each state.
func (l *Log) PreparedSlots() int {
	n := 0
	for _, s := range l.slots {
		if s.prepared {
			n++
		}
	}
	return n
}

func (l *Log) CommittedSlots() int {
	n := 0
	for _, s := range l.slots {
		if s.committedLocal {
			n++
		}
	}
	return n
}
