// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the two HTTP endpoints external callers use to
// submit a protection job and poll its status (spec.md §6). When an auth
// token is configured, every route requires a bearer token matching it;
// an empty configured token disables the check.
package api

import (
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/drimit/shield/internal/models"
)

// Dispatcher is the subset of internal/dispatch.Dispatcher the API needs:
// enqueue a job and let it run asynchronously.
type Dispatcher interface {
	Submit(req models.ProtectionRequest) (jobID string)
}

// StateStore is the subset of internal/jobstate.Store the API needs to
// answer bulk status checks.
type StateStore interface {
	BulkGet(artworkIDs, ackIDs []string) (map[string]models.JobState, error)
}

// Server wires the HTTP surface together.
type Server struct {
	dispatcher Dispatcher
	states     StateStore
	authToken  string
	logger     *zap.Logger
}

// New builds a Server. authToken is the bearer token every request must
// present (spec.md §6's MODAL_AUTH_TOKEN / AUTH_TOKEN); an empty authToken
// disables the check.
func New(dispatcher Dispatcher, states StateStore, authToken string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{dispatcher: dispatcher, states: states, authToken: authToken, logger: logger}
}

// Router builds the gorilla/mux router serving this API.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.authMiddleware)
	r.HandleFunc("/protect", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleBulkStatus).Methods(http.MethodPost)
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.authToken != "" && token != s.authToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitResponse struct {
	Status    string `json:"status"`
	JobID     string `json:"job_id"`
	ArtworkID string `json:"artwork_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.ProtectionRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if req.Config == (models.Configuration{}) {
		req.Config = models.DefaultConfiguration()
	}

	jobID := s.dispatcher.Submit(req)
	s.logger.Info("protection job submitted", zap.String("job_id", jobID), zap.String("artwork_id", req.ArtworkID))

	writeJSON(w, http.StatusOK, submitResponse{Status: "queued", JobID: jobID, ArtworkID: req.ArtworkID})
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	var req models.BulkStatusRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	states, err := s.states.BulkGet(req.ArtworkIDs, req.AckIDs)
	if err != nil {
		s.logger.Error("bulk status lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, states)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(body)
}
