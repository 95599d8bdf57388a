package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nghessss/pBFT-no-fork/message"
)

func TestChannelNetworkDeliversAndPeerUp(t *testing.T) {
	fabric := NewFabric([]int{0, 1})
	n0 := fabric.NetworkFor(0)
	n1 := fabric.NetworkFor(1)

	require.True(t, n0.PeerUp(1))

	msg := message.Prepare{Header: message.Header{SenderID: 0, View: 0}, Seq: 0, Digest: message.Digest{7}}
	require.NoError(t, n0.Send(1, msg))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := n1.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestChannelNetworkPreservesPerSenderOrder(t *testing.T) {
	fabric := NewFabric([]int{0, 1})
	n0 := fabric.NetworkFor(0)
	n1 := fabric.NetworkFor(1)

	const n = 50
	for i := 0; i < n; i++ {
		msg := message.Prepare{Header: message.Header{SenderID: 0, View: 0}, Seq: i, Digest: message.Digest{byte(i)}}
		require.NoError(t, n0.Send(1, msg))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		got, err := n1.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, i, got.(message.Prepare).Seq, "messages from one sender must arrive in send order")
	}
}

func TestFabricDownPeerDropsSilently(t *testing.T) {
	fabric := NewFabric([]int{0, 1})
	fabric.SetUp(1, false)
	n0 := fabric.NetworkFor(0)
	n1 := fabric.NetworkFor(1)

	require.False(t, n0.PeerUp(1))
	require.NoError(t, n0.Send(1, message.Commit{Header: message.Header{SenderID: 0}, Seq: 0}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := n1.Recv(ctx)
	require.Error(t, err) // nothing arrives: the peer is down
}

func TestHarnessDropAllTo(t *testing.T) {
	fabric := NewFabric([]int{0, 1})
	h := NewTestHarness(fabric.NetworkFor(0))
	n1 := fabric.NetworkFor(1)

	h.DropAllTo(1, true)
	require.NoError(t, h.Send(1, message.Commit{Header: message.Header{SenderID: 0}, Seq: 0}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := n1.Recv(ctx)
	require.Error(t, err)
}

func TestHarnessCorruptAuthTo(t *testing.T) {
	fabric := NewFabric([]int{0, 1})
	h := NewTestHarness(fabric.NetworkFor(0))
	n1 := fabric.NetworkFor(1)

	h.CorruptAuthTo(1, true)
	sent := message.Commit{Header: message.Header{SenderID: 0, Auth: []byte{1, 2, 3}}, Seq: 0}
	require.NoError(t, h.Send(1, sent))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := n1.Recv(ctx)
	require.NoError(t, err)
	require.NotEqual(t, sent.GetHeader().Auth, got.GetHeader().Auth)
}
