/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/PivotLLM/Switchboard/approval"
	"github.com/PivotLLM/Switchboard/global"
)

// Handler returns the observer HTTP surface: the event stream, task and
// server snapshots, approval actions, metrics and health
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /events", s.broadcaster.Handler(s.snapshot))
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("POST /tasks/approve", s.handleApprove)
	mux.HandleFunc("POST /tasks/reject", s.handleReject)
	mux.HandleFunc("GET /servers", s.handleServers)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// snapshot is the first event on a new observer stream
func (s *Server) snapshot() global.Event {
	run := s.bridge.Status()
	ev := global.Event{
		Action:   global.ActionCreate,
		Tasks:    s.store.Snapshot(),
		Approval: string(s.gate.State()),
	}
	if run.ID != "" {
		ev.Run = &run
	}
	return ev
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.planView())
}

func (s *Server) handleApprove(w http.ResponseWriter, _ *http.Request) {
	s.approvalAction(w, s.gate.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, _ *http.Request) {
	s.approvalAction(w, s.gate.Reject)
}

func (s *Server) approvalAction(w http.ResponseWriter, action func() error) {
	if err := action(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, approval.ErrInvalidTransition) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approval": s.gate.State(),
		"run":      s.bridge.Status(),
	})
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	list := s.manager.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": list,
		"count":   len(list),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
