package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nghessss/pBFT-no-fork/internal/logging"
	"github.com/nghessss/pBFT-no-fork/message"
	"github.com/nghessss/pBFT-no-fork/replica"
	"github.com/nghessss/pBFT-no-fork/store"
	"github.com/nghessss/pBFT-no-fork/transport"
)

// singleReplicaServer wires one real replica.Engine (alone in a
// 1-replica, f=0 cluster, so it is always its own quorum) behind an
// observer.Server, grounded on the same transport.Fabric harness
// replica/engine_test.go uses.
func singleReplicaServer(t *testing.T) (*httptest.Server, context.CancelFunc) {
	t.Helper()
	fabric := transport.NewFabric([]int{0})
	pk, sk, err := message.GenerateKeyPair()
	require.NoError(t, err)

	l, err := store.Open(logging.NewNop())
	require.NoError(t, err)

	cfg := replica.Config{
		ID:         0,
		Peers:      []int{0},
		F:          0,
		PrivateKey: sk,
		PublicKeys: map[int][]byte{0: pk},
		Auth:       message.Ed25519Authenticator{},
	}
	e, err := replica.NewEngine(cfg, fabric.NetworkFor(0), l, replica.EchoStateMachine{}, logging.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)

	srv := NewServer(e, cancel, logging.NewNop())
	ts := httptest.NewServer(srv.mux)
	return ts, func() {
		ts.Close()
		cancel()
		_ = l.Close()
	}
}

func TestHandleStatusReportsPrimaryRole(t *testing.T) {
	ts, done := singleReplicaServer(t)
	defer done()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "primary", body.Role)
	require.Equal(t, 0, body.PrimaryID)
	require.Equal(t, 1, body.N)
}

func TestHandleSubmitExecutesAndReportsNoForward(t *testing.T) {
	ts, done := singleReplicaServer(t)
	defer done()

	reqBody, err := json.Marshal(submitRequestBody{ClientID: "c1", Timestamp: 1, Payload: []byte("hello")})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/submit", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.Accepted)
	require.Nil(t, body.ForwardedTo)

	// A lone f=0 replica orders and executes within the Submit call.
	statusResp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	var st statusResponse
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&st))
	require.True(t, st.HasExecuted)
	require.Equal(t, 0, st.LastExecutedSeq)
}

func TestHandlePing(t *testing.T) {
	ts, done := singleReplicaServer(t)
	defer done()

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleKillCancelsRunLoop(t *testing.T) {
	ts, done := singleReplicaServer(t)
	defer done()

	resp, err := http.Get(ts.URL + "/kill")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// After kill, the run loop's context is cancelled; a subsequent
	// Status call must time out rather than hang forever.
	time.Sleep(50 * time.Millisecond)
	statusResp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, statusResp.StatusCode)
}
