// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Command replica starts one PBFT replica process, wiring transport,
// store and the protocol engine behind the observer's HTTP surface
// (spec §6). Flag parsing follows hyperledger-labs/mirbft's
// cmd/chat-demo, kingpin-based CLI shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nghessss/pBFT-no-fork/config"
	"github.com/nghessss/pBFT-no-fork/internal/logging"
	"github.com/nghessss/pBFT-no-fork/message"
	"github.com/nghessss/pBFT-no-fork/observer"
	"github.com/nghessss/pBFT-no-fork/replica"
	"github.com/nghessss/pBFT-no-fork/store"
	"github.com/nghessss/pBFT-no-fork/transport"
)

var (
	app = kingpin.New("replica", "Run one PBFT replica process.")

	id              = app.Flag("id", "Numeric id of this replica.").Required().Int()
	port            = app.Flag("port", "Port to bind the inter-replica transport on.").Required().Int()
	peersFlag       = app.Flag("peers", `Peer list "<id>@<host>:<port>,...", including self.`).Required().String()
	f               = app.Flag("f", "Maximum tolerated Byzantine faults (default: derived from peer count).").Int()
	observerAddr    = app.Flag("observer-addr", "Address for the observer HTTP surface.").Default(":0").String()
	seqWindow       = app.Flag("seq-window", "High/low watermark span for seq numbers (0: unbounded).").Default("0").Int()
	clientTimeout   = app.Flag("client-timeout", "Client re-submission interval.").Default("2s").Duration()
	progressTimeout = app.Flag("progress-timeout", "Progress timeout that triggers a view bump.").Default("5s").Duration()
)

func fatalf(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	peers, err := config.ParsePeers(*peersFlag)
	if err != nil {
		fatalf(1, "%s", err)
	}
	peerIDs := make([]int, len(peers))
	addresses := make(map[int]string, len(peers))
	for i, p := range peers {
		peerIDs[i] = p.ID
		addresses[p.ID] = p.Addr
	}

	fval := 0
	if *f != 0 {
		fval = *f
	} else if derived, derr := config.DeriveF(len(peers)); derr == nil {
		fval = derived
	}
	if verr := config.ValidateN(len(peers), fval); verr != nil {
		fatalf(1, "%s", verr)
	}

	pub := make(map[int][]byte, len(peers))
	var priv []byte
	for _, pid := range peerIDs {
		pk, sk := config.DeterministicKeyPair(pid)
		pub[pid] = pk
		if pid == *id {
			priv = sk
		}
	}
	if priv == nil {
		fatalf(1, "config: --id %d is not present in --peers", *id)
	}

	log := logging.NewDevelopment(fmt.Sprintf("replica-%d", *id))

	net, err := transport.NewTCPNetwork(*id, fmt.Sprintf(":%d", *port), addresses, log)
	if err != nil {
		fatalf(2, "%s", err)
	}
	defer net.Close()

	logStore, err := store.Open(log)
	if err != nil {
		fatalf(3, "%s", err)
	}
	defer logStore.Close()

	cfg := replica.Config{
		ID:              *id,
		Peers:           peerIDs,
		F:               fval,
		PrivateKey:      priv,
		PublicKeys:      pub,
		Auth:            message.Ed25519Authenticator{},
		SeqWindow:       *seqWindow,
		ClientTimeout:   *clientTimeout,
		ProgressTimeout: *progressTimeout,
	}
	engine, err := replica.NewEngine(cfg, net, logStore, replica.EchoStateMachine{}, log)
	if err != nil {
		fatalf(1, "%s", err)
	}
	engine.OnReply(func(r message.Reply) {
		log.Info("replica: executed request")
	})
	engine.OnFatal(func(err error) {
		log.Error(fmt.Sprintf("replica: invariant violation, exiting: %s", err))
		os.Exit(3)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)

	obs := observer.NewServer(engine, cancel, log)
	obs.Start(*observerAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = obs.Close(shutdownCtx)
	os.Exit(0)
}
