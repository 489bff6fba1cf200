package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octopus-sh/octopus/pkg/types"
)

func TestHeartbeat(t *testing.T) {
	var got types.Worker
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/heartbeat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	err := c.Heartbeat(context.Background(), &types.Worker{Username: "alice", Hostname: "box1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "box1", got.Hostname)
}

func TestFetchTasksFiltersByExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/client-tasks", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("client"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"tasks": []*types.Task{{ID: "t000001", Executor: "alice"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	tasks, err := c.FetchTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t000001", tasks[0].ID)
}

func TestPostExecution(t *testing.T) {
	var got types.Execution
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/execution-results", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	exec := &types.Execution{
		ID:     "t000001_alice_1700000000000",
		TaskID: "t000001",
		Worker: "alice",
		Status: string(types.ExecStatusRunning),
	}
	require.NoError(t, c.PostExecution(context.Background(), exec))
	assert.Equal(t, "t000001_alice_1700000000000", got.ID)
	assert.Equal(t, string(types.ExecStatusRunning), got.Status)
}

func TestUpdateTaskUsesPathID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tasks/t000042", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	err := c.UpdateTask(context.Background(), "t000042", map[string]any{"status": "Done"})
	require.NoError(t, err)
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"nope"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	err := c.UpdateTask(context.Background(), "t000001", map[string]any{"status": "Done"})
	assert.ErrorContains(t, err, "403")
}

func TestDrainCommandsAddressesByHostname(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/commands/box1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]*types.Command{{Hostname: "box1", Plugin: "sysinfo", Action: "refresh"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	cmds, err := c.DrainCommands(context.Background(), "box1")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "refresh", cmds[0].Action)
}
