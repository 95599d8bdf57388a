// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package observer is the bootstrap/inspection surface of spec §4.5: a
// JSON-over-HTTP endpoint exposing GetStatus, SubmitRequest, Ping and
// KillNode, grounded on glimmerzcy-bccp's basic/server.Server
// (HandleNode/HandleServer query-driven http.ServeMux dispatch) and on
// original_source/server.py's RPC method set. The observer never
// touches the PBFT message path directly; it calls into
// replica.Engine's public intake methods exactly as a client would.
package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nghessss/pBFT-no-fork/internal/logging"
	"github.com/nghessss/pBFT-no-fork/message"
	"github.com/nghessss/pBFT-no-fork/replica"
)

// Server is the per-replica observer endpoint. One Server wraps
// exactly one replica.Engine, matching glimmerzcy-bccp's one
// Server-per-node shape.
type Server struct {
	engine *replica.Engine
	log    logging.Logger
	kill   context.CancelFunc

	mux *http.ServeMux
	srv *http.Server
}

// NewServer builds an observer for engine. kill is invoked by
// KillNode to terminate the owning process's replica run loop; callers
// typically pass the cancel function of the context given to
// Engine.Run.
func NewServer(engine *replica.Engine, kill context.CancelFunc, log logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	s := &Server{engine: engine, log: log, kill: kill}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/submit", s.handleSubmit)
	s.mux.HandleFunc("/ping", s.handlePing)
	s.mux.HandleFunc("/kill", s.handleKill)
	return s
}

// Start listens on addr in a background goroutine, in the style of
// glimmerzcy-bccp's Server.Start (http.ListenAndServe off the caller's
// goroutine, errors reported asynchronously).
func (s *Server) Start(addr string) {
	s.srv = &http.Server{Addr: addr, Handler: s.mux}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("observer: listen failed", zapErr(err))
		}
	}()
}

// Close shuts the HTTP listener down without killing the replica.
func (s *Server) Close(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusResponse mirrors spec §4.5's GetStatus field list exactly.
type statusResponse struct {
	ReplicaID       int    `json:"replica_id"`
	Role            string `json:"role"`
	View            int    `json:"view"`
	PrimaryID       int    `json:"primary_id"`
	F               int    `json:"f"`
	N               int    `json:"n"`
	LastExecutedSeq int    `json:"last_executed_seq"`
	HasExecuted     bool   `json:"has_executed"`
	PreparedSlots   int    `json:"prepared_slots"`
	CommittedSlots  int    `json:"committed_slots"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	st, err := s.engine.Status(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ReplicaID:       st.ReplicaID,
		Role:            st.Role,
		View:            st.View,
		PrimaryID:       st.PrimaryID,
		F:               st.F,
		N:               st.N,
		LastExecutedSeq: st.LastExecutedSeq,
		HasExecuted:     st.HasExecuted,
		PreparedSlots:   st.PreparedSlots,
		CommittedSlots:  st.CommittedSlots,
	})
}

// submitRequestBody is the JSON-over-HTTP shape of spec §6's
// SubmitRequest(RequestMsg).
type submitRequestBody struct {
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
	Payload   []byte `json:"payload"`
}

// submitResponse mirrors spec §6's `{accepted: bool, forwarded_to: id?}`.
type submitResponse struct {
	Accepted    bool `json:"accepted"`
	ForwardedTo *int `json:"forwarded_to,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	req := message.Request{ClientID: body.ClientID, Timestamp: body.Timestamp, Payload: body.Payload}
	fwd, err := s.engine.Submit(ctx, req)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Accepted: true, ForwardedTo: fwd})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"pong": "ok"})
}

// handleKill terminates the owning replica process's run loop (spec
// §4.5: "used by fault-injection tests"). It answers before cancelling
// so the HTTP response actually reaches the caller.
func (s *Server) handleKill(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ack": "ok"})
	if s.kill != nil {
		go s.kill()
	}
}
