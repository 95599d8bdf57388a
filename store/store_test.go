package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nghessss/pBFT-no-fork/internal/errs"
	"github.com/nghessss/pBFT-no-fork/internal/logging"
	"github.com/nghessss/pBFT-no-fork/message"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAcceptPrePrepareIdempotent(t *testing.T) {
	l := newTestLog(t)
	pp := message.PrePrepare{Header: message.Header{SenderID: 0, View: 0}, Seq: 0, Digest: message.Digest{1}}

	require.NoError(t, l.AcceptPrePrepare(pp))
	require.NoError(t, l.AcceptPrePrepare(pp)) // duplicate: no-op

	got, ok := l.PrePrepareFor(0, 0)
	require.True(t, ok)
	require.Equal(t, pp, got)
}

func TestAcceptPrePrepareEquivocation(t *testing.T) {
	l := newTestLog(t)
	pp1 := message.PrePrepare{Header: message.Header{SenderID: 0, View: 0}, Seq: 0, Digest: message.Digest{1}}
	pp2 := message.PrePrepare{Header: message.Header{SenderID: 0, View: 0}, Seq: 0, Digest: message.Digest{2}}

	require.NoError(t, l.AcceptPrePrepare(pp1))
	err := l.AcceptPrePrepare(pp2)
	require.ErrorIs(t, err, errs.ErrEquivocation)

	got, ok := l.PrePrepareFor(0, 0)
	require.True(t, ok)
	require.Equal(t, pp1, got, "the first accepted digest must survive")
}

func TestAddPrepareDistinctSenderCount(t *testing.T) {
	l := newTestLog(t)
	d := message.Digest{9}

	for _, id := range []int{1, 2, 3} {
		n := l.AddPrepare(message.Prepare{Header: message.Header{SenderID: id, View: 0}, Seq: 0, Digest: d})
		require.Equal(t, id, n)
	}

	// Replaying an existing sender's PREPARE must not change the count.
	n := l.AddPrepare(message.Prepare{Header: message.Header{SenderID: 2, View: 0}, Seq: 0, Digest: d})
	require.Equal(t, 3, n)
}

func TestMarkExecutedOrderingPrecondition(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.MarkExecuted(0, 0))
	require.ErrorIs(t, l.MarkExecuted(0, 2), errs.ErrOutOfOrderExecute)
	require.NoError(t, l.MarkExecuted(0, 1))

	last, ok := l.LastExecuted()
	require.True(t, ok)
	require.Equal(t, 1, last)
}

func TestCachedReply(t *testing.T) {
	l := newTestLog(t)
	_, ok := l.CachedReply("c1", 1)
	require.False(t, ok)

	r := message.Reply{ClientID: "c1", ClientTS: 1, Result: []byte("hello")}
	l.PutReply(r)

	got, ok := l.CachedReply("c1", 1)
	require.True(t, ok)
	require.Equal(t, r, got)
}
