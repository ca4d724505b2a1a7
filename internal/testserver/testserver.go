// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package testserver is test-only scaffolding: a minimal HTTP server
// implementing the wire contract of spec.md §6.1-§6.2, used by the
// internal/agent integration tests. It is not the real
// ingest endpoint, which spec.md §1 explicitly places out of scope.
package testserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/vantage-edge/telemetry-agent/internal/codec"
)

// Received captura um record recebido pelo servidor de teste, já
// decodificado, junto com o header X-Vehicle-VIN da requisição.
type Received struct {
	Record codec.Record
	VIN    string
}

// Server é um mock httptest do endpoint de ingest. FailNext controla
// quantas das próximas chamadas devem falhar com 503, simulando
// TransientFailure — usado para exercitar fallback e abort de drain.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	received []Received
	failNext int
}

// New inicia um Server de teste.
func New() *Server {
	s := &Server{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// FailNext faz as próximas n chamadas retornarem 503 Service Unavailable.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Received retorna uma cópia de todos os records recebidos até agora,
// na ordem de chegada.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Received, len(s.received))
	copy(out, s.received)
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		http.Error(w, "simulated transient failure", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	rec, err := codec.Decode(body)
	if err != nil {
		http.Error(w, "malformed record", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.received = append(s.received, Received{Record: rec, VIN: r.Header.Get("X-Vehicle-VIN")})
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}
