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

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drimit/shield/internal/models"
)

type fakeDispatcher struct {
	lastReq models.ProtectionRequest
	jobID   string
}

func (f *fakeDispatcher) Submit(req models.ProtectionRequest) string {
	f.lastReq = req
	return f.jobID
}

type fakeStateStore struct {
	states map[string]models.JobState
}

func (f *fakeStateStore) BulkGet(artworkIDs, ackIDs []string) (map[string]models.JobState, error) {
	for _, id := range ackIDs {
		delete(f.states, id)
	}
	out := make(map[string]models.JobState, len(artworkIDs))
	for _, id := range artworkIDs {
		if st, ok := f.states[id]; ok {
			out[id] = st
		} else {
			out[id] = models.JobState{ArtworkID: id, Status: "unknown"}
		}
	}
	return out, nil
}

func newTestServer(token string) (*Server, *fakeDispatcher, *fakeStateStore) {
	disp := &fakeDispatcher{jobID: "job-123"}
	store := &fakeStateStore{states: map[string]models.JobState{
		"artwork-1": {ArtworkID: "artwork-1", Status: models.JobCompleted},
	}}
	return New(disp, store, token, nil), disp, store
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestSubmitRejectsWrongToken(t *testing.T) {
	srv, _, _ := newTestServer("secret")
	rec := doRequest(t, srv, http.MethodPost, "/protect", "wrong", models.ProtectionRequest{ArtworkID: "a1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEmptyAuthTokenDisablesAuth(t *testing.T) {
	srv, _, _ := newTestServer("")
	rec := doRequest(t, srv, http.MethodPost, "/protect", "", models.ProtectionRequest{ArtworkID: "a1"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitQueuesJob(t *testing.T) {
	srv, disp, _ := newTestServer("secret")
	rec := doRequest(t, srv, http.MethodPost, "/protect", "secret", models.ProtectionRequest{ArtworkID: "a1", OwnerID: "o1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "queued", resp.Status)
	require.Equal(t, "job-123", resp.JobID)
	require.Equal(t, "a1", resp.ArtworkID)
	require.Equal(t, "a1", disp.lastReq.ArtworkID)
}

func TestSubmitFillsDefaultConfigWhenOmitted(t *testing.T) {
	srv, disp, _ := newTestServer("secret")
	doRequest(t, srv, http.MethodPost, "/protect", "secret", models.ProtectionRequest{ArtworkID: "a1"})
	require.Equal(t, models.DefaultConfiguration(), disp.lastReq.Config)
}

func TestBulkStatusReturnsKnownAndUnknown(t *testing.T) {
	srv, _, _ := newTestServer("secret")
	rec := doRequest(t, srv, http.MethodPost, "/status", "secret", models.BulkStatusRequest{
		ArtworkIDs: []string{"artwork-1", "artwork-missing"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var states map[string]models.JobState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
	require.Equal(t, models.JobCompleted, states["artwork-1"].Status)
	require.EqualValues(t, "unknown", states["artwork-missing"].Status)
}

func TestBulkStatusAcksRemoveEntries(t *testing.T) {
	srv, _, store := newTestServer("secret")
	doRequest(t, srv, http.MethodPost, "/status", "secret", models.BulkStatusRequest{
		ArtworkIDs: []string{"artwork-1"},
		AckIDs:     []string{"artwork-1"},
	})
	_, stillThere := store.states["artwork-1"]
	require.False(t, stillThere)
}
