// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Command submit sends one client request to a replica's observer
// HTTP surface and waits for the JSON response (spec §6: "Submit a
// request: --addr <host>:<port> --payload <string>").
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app       = kingpin.New("submit", "Submit one client request to a replica's observer surface.")
	addr      = app.Flag("addr", "Observer address, host:port.").Required().String()
	payload   = app.Flag("payload", "Request payload.").Required().String()
	client    = app.Flag("client", "Client id.").Default("cli-client").String()
	timestamp = app.Flag("timestamp", "Client-local monotonic timestamp.").Default("0").Int64()
	timeout   = app.Flag("timeout", "Request timeout.").Default("5s").Duration()
)

type submitRequestBody struct {
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
	Payload   []byte `json:"payload"`
}

type submitResponse struct {
	Accepted    bool `json:"accepted"`
	ForwardedTo *int `json:"forwarded_to,omitempty"`
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	ts := *timestamp
	if ts == 0 {
		ts = time.Now().UnixNano()
	}

	body, err := json.Marshal(submitRequestBody{ClientID: *client, Timestamp: ts, Payload: []byte(*payload)})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: *timeout}
	resp, err := httpClient.Post("http://"+*addr+"/submit", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer resp.Body.Close()

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if out.ForwardedTo != nil {
		fmt.Printf("accepted=%v forwarded_to=%d\n", out.Accepted, *out.ForwardedTo)
	} else {
		fmt.Printf("accepted=%v\n", out.Accepted)
	}
}
