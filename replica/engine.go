// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package replica is the protocol engine of spec §4.3: the
// three-phase agreement state machine fed one event at a time from a
// single worker goroutine, per spec §5 choice (a). Grounded on
// myl7-pbft/pkg/handler.go's Handler (HandleRequest / HandlePrePrepare
// / HandlePrepare / HandleCommit) for the accept/broadcast shape, and
// on original_source/core/node.py's PBFTNode for the forward/buffer
// sequencing the distilled spec left implicit.
package replica

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nghessss/pBFT-no-fork/internal/errs"
	"github.com/nghessss/pBFT-no-fork/internal/logging"
	"github.com/nghessss/pBFT-no-fork/message"
	"github.com/nghessss/pBFT-no-fork/store"
	"github.com/nghessss/pBFT-no-fork/transport"
)

type slotKey struct {
	View, Seq int
}

type replyKey struct {
	ClientID string
	Ts       int64
}

// Engine is one replica's protocol state machine. All of its fields
// below the constructor are touched only from the goroutine running
// Run; external callers (Submit, Status, Wait) hand work to that
// goroutine over a channel instead of touching state directly.
type Engine struct {
	cfg    Config
	net    transport.Network
	log    *store.Log
	sm     StateMachine
	logger logging.Logger

	view      int
	seqCursor int
	buffer    *message.ViewBuffer

	progressTimers map[slotKey]*time.Timer
	waiters        map[replyKey][]chan message.Reply
	onReply        func(message.Reply)
	onFatal        func(error)

	work chan func()
}

// NewEngine validates cfg and constructs an Engine. Run must be called
// to actually start processing events.
func NewEngine(cfg Config, net transport.Network, log *store.Log, sm StateMachine, logger logging.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "replica: invalid config")
	}
	if sm == nil {
		sm = EchoStateMachine{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		cfg:            cfg,
		net:            net,
		log:            log,
		sm:             sm,
		logger:         logger,
		buffer:         message.NewViewBuffer(message.DefaultBufferSize),
		progressTimers: make(map[slotKey]*time.Timer),
		waiters:        make(map[replyKey][]chan message.Reply),
		work:           make(chan func(), 4096),
	}, nil
}

// OnReply registers a callback invoked whenever this replica produces
// a REPLY, standing in for the external client this simulator doesn't
// model as its own process. Must be called before Run.
func (e *Engine) OnReply(fn func(message.Reply)) {
	e.onReply = fn
}

// OnFatal registers a callback invoked when this replica detects an
// InvariantViolation (spec §7, §6 exit code 3): a programming-error
// class failure such as the primary rejecting its own pre-prepare or
// executing a sequence number out of order. Must be called before Run.
// cmd/replica wires this to os.Exit(3) after logging the cause;
// without a callback the violation is only logged.
func (e *Engine) OnFatal(fn func(error)) {
	e.onFatal = fn
}

// invariantViolation reports a fatal programming-error-class failure
// (spec §7: "InvariantViolation... fatal, process exits with code 3")
// and hands it to the registered OnFatal callback, if any.
func (e *Engine) invariantViolation(cause error) {
	err := errors.Wrap(errs.ErrInvariantViolation, cause.Error())
	e.logger.Error("replica: invariant violation", zap.Error(err))
	if e.onFatal != nil {
		e.onFatal(err)
	}
}

// Run drains inbound messages and local work until ctx is cancelled
// (spec §5: "stops draining the inbound queue, closes transports, and
// exits" on shutdown — transport closing is the caller's
// responsibility, matching Network's independent lifecycle).
func (e *Engine) Run(ctx context.Context) {
	go e.recvLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.work:
			fn()
		}
	}
}

func (e *Engine) recvLoop(ctx context.Context) {
	for {
		msg, err := e.net.Recv(ctx)
		if err != nil {
			return
		}
		m := msg
		e.enqueue(func() { e.onMessage(m) })
	}
}

// enqueue hands fn to the run loop. A full queue drops the event
// rather than blocking the sender, the same tolerance the protocol
// already has for a dropped network message.
func (e *Engine) enqueue(fn func()) {
	select {
	case e.work <- fn:
	default:
		e.logger.Warn("replica: work queue saturated, dropping event")
	}
}

func (e *Engine) onMessage(msg message.Message) {
	switch m := msg.(type) {
	case message.RequestMsg:
		e.onRequest(m)
	case message.PrePrepare:
		e.onPrePrepare(m)
	case message.Prepare:
		e.onPrepare(m)
	case message.Commit:
		e.onCommit(m)
	case message.SetView:
		e.onSetView(m)
	case message.Reply:
		e.logger.Debug("replica: dropping inbound REPLY, replicas do not consume them", zap.Int("from", m.SenderID))
	default:
		e.logger.Warn("replica: dropping message of unrecognized kind")
	}
}

// verifySender enforces spec §4.3.7 ("message from unknown sender id:
// drop") and drops messages whose authenticator does not verify,
// without answering the peer. Both cases are only logged at debug
// level; no rejection count is kept.
func (e *Engine) verifySender(msg message.Message) bool {
	h := msg.GetHeader()
	pk, ok := e.cfg.PublicKeys[h.SenderID]
	if !ok {
		e.logger.Debug("replica: dropping message from unknown sender", zap.Int("sender", h.SenderID))
		return false
	}
	if !e.cfg.Auth.Verify(message.SigningDigest(msg), h.Auth, pk) {
		e.logger.Debug("replica: auth failure", zap.Int("sender", h.SenderID), zap.String("kind", msg.Kind().String()))
		return false
	}
	return true
}

func (e *Engine) sign(digest message.Digest) []byte {
	return e.cfg.Auth.Sign(digest, e.cfg.PrivateKey)
}

// onRequest implements spec §4.3.1. Its return value is the primary id
// the request was forwarded to, or nil if it was handled locally
// (cached reply resend, or accepted for ordering as the primary).
func (e *Engine) onRequest(m message.RequestMsg) *int {
	req := m.Request
	if cached, ok := e.log.CachedReply(req.ClientID, req.Timestamp); ok {
		e.deliverReply(cached)
		return nil
	}

	primary := e.cfg.primaryFor(e.view)
	if e.cfg.ID != primary {
		if m.Forwarded {
			return nil // already a forward attempt: do not loop
		}
		fwd := message.RequestMsg{
			Header:    message.Header{SenderID: e.cfg.ID, View: e.view},
			Request:   req,
			Forwarded: true,
		}
		fwd.Auth = e.sign(message.SigningDigest(fwd))
		if err := e.net.Send(primary, fwd); err != nil {
			e.logger.Warn("replica: forward to primary failed", zap.Int("primary", primary))
		}
		p := primary
		return &p
	}

	seq := e.seqCursor
	e.seqCursor++
	d := message.DigestOf(req)
	pp := message.PrePrepare{
		Header:  message.Header{SenderID: e.cfg.ID, View: e.view},
		Seq:     seq,
		Digest:  d,
		Request: req,
	}
	pp.Auth = e.sign(message.SigningDigest(pp))
	transport.Broadcast(e.net, e.cfg.ID, e.cfg.Peers, pp)
	e.acceptOwnPrePrepare(pp)
	return nil
}

// acceptOwnPrePrepare is the primary's side of spec §4.3.1 step 3:
// "also feed the PRE-PREPARE to its own state store." The primary
// never emits an explicit PREPARE for its own PrePrepare (spec
// §4.3.7: "Self-PREPARE is implied for primaries").
func (e *Engine) acceptOwnPrePrepare(pp message.PrePrepare) {
	if err := e.log.AcceptPrePrepare(pp); err != nil {
		e.invariantViolation(errors.Wrap(err, "primary rejected its own pre-prepare"))
		return
	}
	e.armProgressTimer(pp.View, pp.Seq)
	e.tryPrepared(pp.View, pp.Seq)
}

// checkConflict is the supplemented simplified view-change trigger's
// equivocation leg (SPEC_FULL.md §4.3): if this replica has ever seen
// more than one digest for the same (view, seq), something is wrong
// with this slot and it stops trusting the current view.
func (e *Engine) checkConflict(view, seq int) {
	if e.log.DistinctDigestCount(view, seq) > 1 {
		e.logger.Warn("replica: conflicting digests observed for slot", zap.Int("view", view), zap.Int("seq", seq))
		e.maybeAdvanceView(view+1, "conflicting-digests")
	}
}

// onPrePrepare implements spec §4.3.2.
func (e *Engine) onPrePrepare(pp message.PrePrepare) {
	if !e.verifySender(pp) {
		return
	}
	if pp.View < e.view {
		return // StaleView: drop
	}
	if pp.View > e.view {
		e.buffer.Push(pp.SenderID, pp)
		return
	}
	if pp.SenderID != e.cfg.primaryFor(pp.View) {
		return // not from this view's primary
	}
	if pp.Digest != message.DigestOf(pp.Request) {
		return // UnmatchedDigest
	}
	if !e.withinWatermark(pp.Seq) {
		return
	}
	if err := e.log.AcceptPrePrepare(pp); err != nil {
		if errors.Is(err, errs.ErrEquivocation) {
			e.logger.Warn("replica: equivocation detected", zap.Int("view", pp.View), zap.Int("seq", pp.Seq))
			e.checkConflict(pp.View, pp.Seq)
		}
		return
	}
	e.armProgressTimer(pp.View, pp.Seq)

	p := message.Prepare{Header: message.Header{SenderID: e.cfg.ID, View: pp.View}, Seq: pp.Seq, Digest: pp.Digest}
	p.Auth = e.sign(message.SigningDigest(p))
	transport.Broadcast(e.net, e.cfg.ID, e.cfg.Peers, p)

	e.tryPrepared(pp.View, pp.Seq)
}

// onPrepare implements spec §4.3.3's storage half; tryPrepared does the
// quorum transition.
func (e *Engine) onPrepare(p message.Prepare) {
	if !e.verifySender(p) {
		return
	}
	if p.View < e.view {
		return
	}
	if p.View > e.view {
		e.buffer.Push(p.SenderID, p)
		return
	}
	e.log.AddPrepare(p)
	e.checkConflict(p.View, p.Seq)
	e.tryPrepared(p.View, p.Seq)
}

func (e *Engine) tryPrepared(view, seq int) {
	if e.log.Prepared(view, seq) {
		return
	}
	pp, ok := e.log.PrePrepareFor(view, seq)
	if !ok {
		return
	}
	if e.log.PrepareCount(view, seq, pp.Digest) < 2*e.cfg.F {
		return
	}
	e.log.MarkPrepared(view, seq)
	e.onPrepared(pp)
}

// onPrepared implements spec §4.3.3's transition action: broadcast
// COMMIT and self-count it (spec §4.3.4: "including self if it sent
// one").
func (e *Engine) onPrepared(pp message.PrePrepare) {
	c := message.Commit{Header: message.Header{SenderID: e.cfg.ID, View: pp.View}, Seq: pp.Seq, Digest: pp.Digest}
	c.Auth = e.sign(message.SigningDigest(c))
	transport.Broadcast(e.net, e.cfg.ID, e.cfg.Peers, c)
	e.log.AddCommit(c)
	e.tryCommittedLocal(pp.View, pp.Seq)
}

// onCommit implements spec §4.3.4's storage half.
func (e *Engine) onCommit(c message.Commit) {
	if !e.verifySender(c) {
		return
	}
	if c.View < e.view {
		return
	}
	if c.View > e.view {
		e.buffer.Push(c.SenderID, c)
		return
	}
	e.log.AddCommit(c)
	e.checkConflict(c.View, c.Seq)
	e.tryCommittedLocal(c.View, c.Seq)
}

func (e *Engine) tryCommittedLocal(view, seq int) {
	if e.log.CommittedLocal(view, seq) {
		return
	}
	if !e.log.Prepared(view, seq) {
		return // out-of-order COMMIT: stored, but waits on prepared (spec §8 scenario 6)
	}
	pp, ok := e.log.PrePrepareFor(view, seq)
	if !ok {
		return
	}
	if e.log.CommitCount(view, seq, pp.Digest) < 2*e.cfg.F+1 {
		return
	}
	e.log.MarkCommittedLocal(view, seq)
	e.cancelProgressTimer(view, seq)
	e.driveExecution()
}

// driveExecution implements spec §4.3.5: scan ascending seq, execute
// every contiguous committed-local slot exactly once.
func (e *Engine) driveExecution() {
	for {
		next := 0
		if last, ok := e.log.LastExecuted(); ok {
			next = last + 1
		}
		pp, ok := e.log.FindCommittedUnexecuted(next)
		if !ok {
			return
		}

		result := e.sm.Apply(pp.Request.Payload)
		reply := message.Reply{
			Header:   message.Header{SenderID: e.cfg.ID, View: pp.View},
			ClientID: pp.Request.ClientID,
			ClientTS: pp.Request.Timestamp,
			Result:   result,
		}
		reply.Auth = e.sign(message.SigningDigest(reply))
		e.log.PutReply(reply)

		if err := e.log.MarkExecuted(pp.View, pp.Seq); err != nil {
			e.invariantViolation(errors.Wrap(err, "execution out of order"))
			return
		}
		e.deliverReply(reply)
	}
}

func (e *Engine) deliverReply(reply message.Reply) {
	if e.onReply != nil {
		e.onReply(reply)
	}
	key := replyKey{reply.ClientID, reply.ClientTS}
	for _, ch := range e.waiters[key] {
		select {
		case ch <- reply:
		default:
		}
	}
	delete(e.waiters, key)
}

func (e *Engine) withinWatermark(seq int) bool {
	if e.cfg.SeqWindow <= 0 {
		return true // no checkpointing implemented: otherwise always true (spec §4.3.2)
	}
	last, ok := e.log.LastExecuted()
	if !ok {
		last = -1
	}
	return seq <= last+e.cfg.SeqWindow
}

func (e *Engine) armProgressTimer(view, seq int) {
	if e.cfg.ProgressTimeout <= 0 {
		return
	}
	k := slotKey{view, seq}
	if _, exists := e.progressTimers[k]; exists {
		return
	}
	e.progressTimers[k] = time.AfterFunc(e.cfg.ProgressTimeout, func() {
		e.enqueue(func() { e.onProgressTimeout(view, seq) })
	})
}

func (e *Engine) cancelProgressTimer(view, seq int) {
	k := slotKey{view, seq}
	if t, ok := e.progressTimers[k]; ok {
		t.Stop()
		delete(e.progressTimers, k)
	}
}

// onProgressTimeout is the supplemented view-change trigger's timeout
// leg: "a stalled seq that fails to reach quorum within a timeout is
// the trigger for a view change" (spec §5).
func (e *Engine) onProgressTimeout(view, seq int) {
	if view != e.view {
		return // stale timer, already moved on
	}
	if e.log.CommittedLocal(view, seq) {
		return
	}
	e.logger.Warn("replica: progress timeout, suspecting primary", zap.Int("view", view), zap.Int("seq", seq))
	e.maybeAdvanceView(view+1, "progress-timeout")
}

func (e *Engine) onSetView(m message.SetView) {
	if !e.verifySender(m) {
		return
	}
	if m.View > e.view {
		e.maybeAdvanceView(m.View, "peer-set-view:"+m.Reason)
	}
}

// maybeAdvanceView is the supplemented simplified view-change trigger
// of SPEC_FULL.md §4.3: not a full view-change subprotocol (no
// new-view certificate, no checkpoint carry-over), just enough to
// demonstrate liveness recovering from a suspected primary.
func (e *Engine) maybeAdvanceView(newView int, reason string) {
	if newView <= e.view {
		return
	}
	e.logger.Info("replica: advancing view", zap.Int("from", e.view), zap.Int("to", newView), zap.String("reason", reason))
	e.view = newView

	for k, t := range e.progressTimers {
		t.Stop()
		delete(e.progressTimers, k)
	}

	sv := message.SetView{Header: message.Header{SenderID: e.cfg.ID, View: e.view}, Reason: reason}
	sv.Auth = e.sign(message.SigningDigest(sv))
	transport.Broadcast(e.net, e.cfg.ID, e.cfg.Peers, sv)

	for _, buffered := range e.buffer.DrainAtOrBelow(e.view) {
		e.onMessage(buffered)
	}
}

// Submit accepts a locally-originated client request, per spec §4.5's
// SubmitRequest and §4.3.1. It returns the primary's id if the request
// was forwarded, or nil if it was handled directly at this replica.
func (e *Engine) Submit(ctx context.Context, req message.Request) (forwardedTo *int, err error) {
	resCh := make(chan *int, 1)
	e.enqueue(func() {
		msg := message.RequestMsg{Header: message.Header{SenderID: e.cfg.ID, View: e.view}, Request: req}
		resCh <- e.onRequest(msg)
	})
	select {
	case r := <-resCh:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until (clientID, ts) has a cached reply or ctx is done.
// It is a convenience for in-process callers such as the tests
// (cmd/submit talks HTTP and does not call it), distinct from the
// client-side retry timer of spec §5 (original_source's
// on_client_request deadline, supplemented per SPEC_FULL.md §4.3).
func (e *Engine) Wait(ctx context.Context, clientID string, ts int64) (message.Reply, error) {
	ch := make(chan message.Reply, 1)
	registered := make(chan struct{})
	e.enqueue(func() {
		if r, ok := e.log.CachedReply(clientID, ts); ok {
			ch <- r
			close(registered)
			return
		}
		key := replyKey{clientID, ts}
		e.waiters[key] = append(e.waiters[key], ch)
		close(registered)
	})

	select {
	case <-ctx.Done():
		return message.Reply{}, ctx.Err()
	case <-registered:
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return message.Reply{}, ctx.Err()
	}
}

// Status answers spec §4.5's GetStatus, serialized through the run
// loop so it never races with protocol state.
type Status struct {
	ReplicaID        int
	Role             string
	View             int
	PrimaryID        int
	F                int
	N                int
	LastExecutedSeq  int
	HasExecuted      bool
	PreparedSlots    int
	CommittedSlots   int
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	resCh := make(chan Status, 1)
	e.enqueue(func() {
		primary := e.cfg.primaryFor(e.view)
		role := "backup"
		if primary == e.cfg.ID {
			role = "primary"
		}
		last, ok := e.log.LastExecuted()
		resCh <- Status{
			ReplicaID:       e.cfg.ID,
			Role:            role,
			View:            e.view,
			PrimaryID:       primary,
			F:               e.cfg.F,
			N:               e.cfg.N(),
			LastExecutedSeq: last,
			HasExecuted:     ok,
			PreparedSlots:   e.log.PreparedSlots(),
			CommittedSlots:  e.log.CommittedSlots(),
		}
	})
	select {
	case s := <-resCh:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}
