package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nghessss/pBFT-no-fork/internal/errs"
	"github.com/nghessss/pBFT-no-fork/internal/logging"
	"github.com/nghessss/pBFT-no-fork/message"
	"github.com/nghessss/pBFT-no-fork/store"
	"github.com/nghessss/pBFT-no-fork/transport"
)

type testCluster struct {
	engines []*Engine
	logs    []*store.Log
	fabric  *transport.Fabric
	priv    map[int][]byte
	pub     map[int][]byte
	cancel  context.CancelFunc
}

// newTestCluster wires n replicas over a transport.Fabric, grounded on
// myl7-pbft/node_test.go's cluster-of-chanNodeCommunicator setup.
// Replicas listed in crashed never start their run loop, modeling a
// process that was down before the cluster came up (spec §8 scenario
// 3).
func newTestCluster(t *testing.T, n, f int, crashed map[int]bool) *testCluster {
	t.Helper()
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	fabric := transport.NewFabric(ids)

	pub := make(map[int][]byte, n)
	priv := make(map[int][]byte, n)
	for _, id := range ids {
		pk, sk, err := message.GenerateKeyPair()
		require.NoError(t, err)
		pub[id] = pk
		priv[id] = sk
	}

	ctx, cancel := context.WithCancel(context.Background())
	engines := make([]*Engine, n)
	logs := make([]*store.Log, n)
	for _, id := range ids {
		l, err := store.Open(logging.NewNop())
		require.NoError(t, err)
		logs[id] = l

		if crashed[id] {
			fabric.SetUp(id, false)
			continue
		}

		cfg := Config{
			ID:         id,
			Peers:      ids,
			F:          f,
			PrivateKey: priv[id],
			PublicKeys: pub,
			Auth:       message.Ed25519Authenticator{},
		}
		e, err := NewEngine(cfg, fabric.NetworkFor(id), l, EchoStateMachine{}, logging.NewNop())
		require.NoError(t, err)
		engines[id] = e
		go e.Run(ctx)
	}

	return &testCluster{engines: engines, logs: logs, fabric: fabric, priv: priv, pub: pub, cancel: cancel}
}

func (c *testCluster) close() {
	c.cancel()
	for _, l := range c.logs {
		if l != nil {
			_ = l.Close()
		}
	}
}

func TestHappyPathAllReplicasExecute(t *testing.T) {
	c := newTestCluster(t, 4, 1, nil)
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := message.Request{ClientID: "c1", Timestamp: 1, Payload: []byte("hello")}
	fwd, err := c.engines[0].Submit(ctx, req) // replica 0 is the primary of view 0
	require.NoError(t, err)
	require.Nil(t, fwd)

	for id := 0; id < 4; id++ {
		reply, err := c.engines[id].Wait(ctx, "c1", 1)
		require.NoError(t, err, "replica %d", id)
		require.Equal(t, []byte("hello"), reply.Result)
	}
}

func TestForwardToPrimary(t *testing.T) {
	c := newTestCluster(t, 4, 1, nil)
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := message.Request{ClientID: "c1", Timestamp: 1, Payload: []byte("hello")}
	fwd, err := c.engines[2].Submit(ctx, req) // replica 2 is a backup
	require.NoError(t, err)
	require.NotNil(t, fwd)
	require.Equal(t, 0, *fwd)

	for id := 0; id < 4; id++ {
		reply, err := c.engines[id].Wait(ctx, "c1", 1)
		require.NoError(t, err, "replica %d", id)
		require.Equal(t, []byte("hello"), reply.Result)
	}
}

func TestCrashedBackupStillReachesQuorum(t *testing.T) {
	c := newTestCluster(t, 4, 1, map[int]bool{3: true})
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := message.Request{ClientID: "c1", Timestamp: 1, Payload: []byte("hello")}
	_, err := c.engines[0].Submit(ctx, req)
	require.NoError(t, err)

	matching := 0
	for id := 0; id < 3; id++ {
		reply, err := c.engines[id].Wait(ctx, "c1", 1)
		require.NoError(t, err, "replica %d", id)
		if string(reply.Result) == "hello" {
			matching++
		}
	}
	require.GreaterOrEqual(t, matching, 2) // f+1 = 2
}

func TestDuplicateClientRequestReturnsCachedReply(t *testing.T) {
	c := newTestCluster(t, 4, 1, nil)
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := message.Request{ClientID: "c1", Timestamp: 1, Payload: []byte("hello")}
	_, err := c.engines[0].Submit(ctx, req)
	require.NoError(t, err)
	first, err := c.engines[0].Wait(ctx, "c1", 1)
	require.NoError(t, err)

	statusBefore, err := c.engines[0].Status(ctx)
	require.NoError(t, err)

	fwd, err := c.engines[0].Submit(ctx, req)
	require.NoError(t, err)
	require.Nil(t, fwd)
	second, err := c.engines[0].Wait(ctx, "c1", 1)
	require.NoError(t, err)
	require.Equal(t, first, second)

	statusAfter, err := c.engines[0].Status(ctx)
	require.NoError(t, err)
	require.Equal(t, statusBefore.PreparedSlots, statusAfter.PreparedSlots, "resubmission must not grow the log")
}

func TestOutOfOrderCommitWaitsOnPrepared(t *testing.T) {
	c := newTestCluster(t, 4, 1, nil)
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Inject a well-formed COMMIT, carrying the digest the real request
	// below will also produce, before any PrePrepare or PREPARE quorum
	// exists for that slot (spec §8 scenario 6): it must be stored but
	// must not flip committed_local on its own.
	req := message.Request{ClientID: "c1", Timestamp: 1, Payload: []byte("hello")}
	d := message.DigestOf(req)
	c1 := message.Commit{Header: message.Header{SenderID: 1, View: 0}, Seq: 0, Digest: d}
	c1.Auth = message.Ed25519Authenticator{}.Sign(message.SigningDigest(c1), c.priv[1])
	require.NoError(t, c.fabric.NetworkFor(1).Send(0, c1))

	time.Sleep(50 * time.Millisecond)
	status, err := c.engines[0].Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.CommittedSlots)

	// Now let the normal path complete for the same seq; the commit
	// count for this digest already has a head start from sender 1.
	_, err = c.engines[0].Submit(ctx, req)
	require.NoError(t, err)
	reply, err := c.engines[0].Wait(ctx, "c1", 1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), reply.Result)
}

func TestByzantinePrimaryEquivocationBlocksProgress(t *testing.T) {
	c := newTestCluster(t, 4, 1, nil)
	defer c.close()

	reqA := message.Request{ClientID: "c1", Timestamp: 1, Payload: []byte("a")}
	reqB := message.Request{ClientID: "c1", Timestamp: 1, Payload: []byte("b")}
	ppA := message.PrePrepare{Header: message.Header{SenderID: 0, View: 0}, Seq: 0, Digest: message.DigestOf(reqA), Request: reqA}
	ppB := message.PrePrepare{Header: message.Header{SenderID: 0, View: 0}, Seq: 0, Digest: message.DigestOf(reqB), Request: reqB}

	h := transport.NewTestHarness(c.fabric.NetworkFor(0))
	h.EquivocatePrePrepare(ppA, map[int]message.Digest{1: ppA.Digest}, message.Ed25519Authenticator{}, c.priv[0])
	h.EquivocatePrePrepare(ppB, map[int]message.Digest{2: ppB.Digest}, message.Ed25519Authenticator{}, c.priv[0])

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, id := range []int{1, 2} {
		status, err := c.engines[id].Status(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, status.PreparedSlots, "replica %d must never reach prepared for either digest", id)
		require.Equal(t, 0, status.CommittedSlots)
	}
}

// waitOnFatal registers a capturing OnFatal callback on e, through the
// same run-loop serialization point every other state mutation goes
// through (e is already running by the time cluster tests reach this
// point, unlike OnFatal's documented pre-Run contract), and returns a
// function that blocks until it fires (or the test times out).
func waitOnFatal(t *testing.T, e *Engine) func() error {
	t.Helper()
	var captured error
	done := make(chan struct{})
	e.enqueue(func() {
		e.onFatal = func(err error) {
			captured = err
			close(done)
		}
	})
	return func() error {
		select {
		case <-done:
			return captured
		case <-time.After(time.Second):
			t.Fatal("OnFatal was never invoked")
			return nil
		}
	}
}

func TestInvariantViolationWiringInvokesOnFatal(t *testing.T) {
	c := newTestCluster(t, 4, 1, nil)
	defer c.close()
	e := c.engines[0]
	wait := waitOnFatal(t, e)

	e.enqueue(func() { e.invariantViolation(errs.ErrOutOfOrderExecute) })

	err := wait()
	require.ErrorIs(t, err, errs.ErrInvariantViolation)
}

// TestInvariantViolationOnPrimaryOwnEquivocationCallsOnFatal exercises
// the real call site (spec §6: exit code 3, "internal invariant
// violation"): a primary that, due to an internal bug, tries to accept
// a second conflicting pre-prepare into its own log for a (view, seq)
// slot it already assigned must report the failure through OnFatal
// rather than silently continuing.
func TestInvariantViolationOnPrimaryOwnEquivocationCallsOnFatal(t *testing.T) {
	c := newTestCluster(t, 4, 1, nil)
	defer c.close()
	e := c.engines[0] // primary of view 0
	wait := waitOnFatal(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req1 := message.Request{ClientID: "c1", Timestamp: 1, Payload: []byte("hello")}
	_, err := e.Submit(ctx, req1) // assigns and accepts seq 0 normally
	require.NoError(t, err)

	// Replay acceptOwnPrePrepare with a different digest at the same
	// (view, seq), simulating a bug that double-assigns a sequence
	// number to two different requests.
	req2 := message.Request{ClientID: "c2", Timestamp: 1, Payload: []byte("world")}
	pp := message.PrePrepare{
		Header:  message.Header{SenderID: e.cfg.ID, View: 0},
		Seq:     0,
		Digest:  message.DigestOf(req2),
		Request: req2,
	}
	e.enqueue(func() { e.acceptOwnPrePrepare(pp) })

	gotErr := wait()
	require.ErrorIs(t, gotErr, errs.ErrInvariantViolation)
}
