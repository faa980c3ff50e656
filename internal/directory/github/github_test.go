package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type DirectorySuite struct {
	suite.Suite
	mux    *http.ServeMux
	server *httptest.Server
	dir    *Directory
}

func TestDirectorySuite(t *testing.T) {
	suite.Run(t, new(DirectorySuite))
}

func (s *DirectorySuite) SetupTest() {
	s.mux = http.NewServeMux()
	s.server = httptest.NewServer(s.mux)

	client := github.NewClient(nil)
	base, err := url.Parse(s.server.URL + "/")
	s.Require().NoError(err)
	client.BaseURL = base

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.dir = newDirectory(client, Config{
		Organization:   "acme",
		RunnerGroup:    "ci",
		HookID:         42,
		DeliveryWindow: time.Hour,
	}, logger)
	s.dir.groupID = 7
}

func (s *DirectorySuite) TearDownTest() {
	s.server.Close()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------------------------------
// Runner group resolution
// ---------------------------------------------------------------------------

func (s *DirectorySuite) TestResolveGroup_Found() {
	s.mux.HandleFunc("/orgs/acme/actions/runner-groups", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"total_count": 2,
			"runner_groups": []map[string]any{
				{"id": 1, "name": "Default"},
				{"id": 9, "name": "ci"},
			},
		})
	})

	s.dir.groupID = 0
	s.Require().NoError(s.dir.resolveGroup(context.Background()))
	s.Equal(int64(9), s.dir.GroupID())
}

func (s *DirectorySuite) TestResolveGroup_Missing() {
	s.mux.HandleFunc("/orgs/acme/actions/runner-groups", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"total_count":   1,
			"runner_groups": []map[string]any{{"id": 1, "name": "Default"}},
		})
	})

	err := s.dir.resolveGroup(context.Background())
	s.Require().Error(err)
	s.Contains(err.Error(), `runner group "ci" not found`)
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

func (s *DirectorySuite) TestListAgents() {
	s.mux.HandleFunc("/orgs/acme/actions/runner-groups/7/runners", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"total_count": 2,
			"runners": []map[string]any{
				{"id": 1, "name": "vm-a", "status": "online", "busy": true,
					"labels": []map[string]any{{"name": "group=ci"}, {"name": "pool=small"}}},
				{"id": 2, "name": "vm-b", "status": "offline", "busy": false},
			},
		})
	})

	agents, err := s.dir.ListAgents(context.Background())
	s.Require().NoError(err)
	s.Require().Len(agents, 2)
	s.Equal("vm-a", agents[0].Name)
	s.True(agents[0].Busy)
	s.Equal([]string{"group=ci", "pool=small"}, agents[0].Labels)
	s.True(agents[1].Offline())
}

func (s *DirectorySuite) TestDeleteAgent_NotFoundIsSuccess() {
	s.mux.HandleFunc("/orgs/acme/actions/runners/5", func(w http.ResponseWriter, r *http.Request) {
		s.Equal(http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})

	s.NoError(s.dir.DeleteAgent(context.Background(), 5))
}

func (s *DirectorySuite) TestDeleteAgent_ServerError() {
	s.mux.HandleFunc("/orgs/acme/actions/runners/5", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	s.Error(s.dir.DeleteAgent(context.Background(), 5))
}

// ---------------------------------------------------------------------------
// Registration tokens
// ---------------------------------------------------------------------------

func (s *DirectorySuite) TestRegistrationToken_Cached() {
	var calls atomic.Int32
	expires := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	s.mux.HandleFunc("/orgs/acme/actions/runners/registration-token", func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{"token": fmt.Sprintf("tok-%d", n), "expires_at": expires})
	})

	first, err := s.dir.RegistrationToken(context.Background())
	s.Require().NoError(err)
	second, err := s.dir.RegistrationToken(context.Background())
	s.Require().NoError(err)

	s.Equal("tok-1", first)
	s.Equal(first, second)
	s.Equal(int32(1), calls.Load())
}

func (s *DirectorySuite) TestRegistrationToken_RefreshedNearExpiry() {
	var calls atomic.Int32
	expires := time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	s.mux.HandleFunc("/orgs/acme/actions/runners/registration-token", func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{"token": fmt.Sprintf("tok-%d", n), "expires_at": expires})
	})

	_, err := s.dir.RegistrationToken(context.Background())
	s.Require().NoError(err)
	tok, err := s.dir.RegistrationToken(context.Background())
	s.Require().NoError(err)

	s.Equal("tok-2", tok)
}

// ---------------------------------------------------------------------------
// Job status
// ---------------------------------------------------------------------------

func (s *DirectorySuite) TestIsJobStillQueued() {
	s.mux.HandleFunc("/repos/acme/app/actions/jobs/11", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"id": 11, "status": "queued"})
	})
	s.mux.HandleFunc("/repos/acme/app/actions/jobs/12", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"id": 12, "status": "in_progress"})
	})

	queued, err := s.dir.IsJobStillQueued(context.Background(), s.server.URL+"/repos/acme/app/actions/jobs/11")
	s.Require().NoError(err)
	s.True(queued)

	queued, err = s.dir.IsJobStillQueued(context.Background(), s.server.URL+"/repos/acme/app/actions/jobs/12")
	s.Require().NoError(err)
	s.False(queued)
}

func (s *DirectorySuite) TestIsJobStillQueued_EmptyURL() {
	_, err := s.dir.IsJobStillQueued(context.Background(), "")
	s.Error(err)
}

// ---------------------------------------------------------------------------
// Deliveries
// ---------------------------------------------------------------------------

func (s *DirectorySuite) TestListRecentDeliveries_StopsAtWindow() {
	now := time.Now().UTC()
	s.mux.HandleFunc("/orgs/acme/hooks/42/deliveries", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{
			{"id": 3, "guid": "g3", "status_code": 502, "event": "workflow_job",
				"delivered_at": now.Add(-time.Minute).Format(time.RFC3339)},
			{"id": 2, "guid": "g2", "status_code": 200, "event": "workflow_job",
				"delivered_at": now.Add(-30 * time.Minute).Format(time.RFC3339)},
			{"id": 1, "guid": "g1", "status_code": 500, "event": "workflow_job",
				"delivered_at": now.Add(-2 * time.Hour).Format(time.RFC3339)},
		})
	})

	deliveries, err := s.dir.ListRecentDeliveries(context.Background())
	s.Require().NoError(err)
	s.Require().Len(deliveries, 2)
	s.Equal("g3", deliveries[0].GUID)
	s.True(deliveries[0].Failed())
	s.False(deliveries[1].Failed())
}

func (s *DirectorySuite) TestRedeliverFailure_Accepted() {
	s.mux.HandleFunc("/orgs/acme/hooks/42/deliveries/3/attempts", func(w http.ResponseWriter, r *http.Request) {
		s.Equal(http.MethodPost, r.Method)
		w.WriteHeader(http.StatusAccepted)
	})

	s.NoError(s.dir.RedeliverFailure(context.Background(), 3))
}

func TestListRecentDeliveries_RequiresHookID(t *testing.T) {
	d := newDirectory(github.NewClient(nil), Config{Organization: "acme"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := d.ListRecentDeliveries(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no webhook id")
}
