package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivewatch/internal/domain"
)

func TestListExecutionsReadsRevision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/executions", r.URL.Path)
		w.Header().Set(RevisionHeader, "42")
		_ = json.NewEncoder(w).Encode([]domain.ExecutionRecord{{ID: "root-1", IsRunning: true}})
	}))
	defer srv.Close()

	snap, err := New(srv.URL, 0).ListExecutions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), snap.Revision)
	require.Len(t, snap.Executions, 1)
	assert.Equal(t, "root-1", snap.Executions[0].ID)
}

func TestNotFoundIsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"log not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).GetLog(context.Background(), "root-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestServerMessageSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"tool already referenced"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).UpdateAgent(context.Background(), domain.AgentDetail{Name: "planner"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "tool already referenced", apiErr.Message)
}

func TestStartAndStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/executions":
			var req domain.StartRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "planner", req.AgentName)
			_ = json.NewEncoder(w).Encode(domain.StartResponse{ID: "root-1", AgentName: req.AgentName, Status: "started"})
		case r.Method == http.MethodPost && r.URL.Path == "/executions/stop-all":
			_ = json.NewEncoder(w).Encode(domain.StopResult{StoppedCount: 2, IDs: []string{"a", "b"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	started, err := c.StartExecution(context.Background(), "planner", "hello")
	require.NoError(t, err)
	assert.Equal(t, "root-1", started.ID)

	stopped, err := c.StopAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stopped.StoppedCount)
	assert.Equal(t, []string{"a", "b"}, stopped.IDs)
}

func TestPushURL(t *testing.T) {
	u, err := New("http://localhost:8092/", 0).PushURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8092/ws", u)

	u, err = New("https://hive.example/api", 0).PushURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://hive.example/api/ws", u)
}
