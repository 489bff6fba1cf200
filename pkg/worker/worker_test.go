package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octopus-sh/octopus/pkg/client"
	"github.com/octopus-sh/octopus/pkg/config"
	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/octopus-sh/octopus/pkg/types"
)

func newTestWorker(t *testing.T, coordinatorURL string) *Worker {
	t.Helper()

	w, err := New(&config.Worker{
		CoordinatorURL: coordinatorURL,
		Username:       "alice",
		DataDir:        t.TempDir(),
		OutputsDir:     filepath.Join(t.TempDir(), "outputs"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.outbox.Close() })
	return w
}

func TestRecordSubExecutionPostsUnderOwnTaskID(t *testing.T) {
	var got types.Execution
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/execution-results", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := newTestWorker(t, srv.URL)
	require.NoError(t, w.recordSubExecution("t000001_data_summary", "alice", "completed", `{"rows":3}`))

	// The record lands under the operation's own task id, never the parent
	// task, so a data write cannot alter the parent's derived state.
	assert.Equal(t, "t000001_data_summary", got.TaskID)
	assert.True(t, strings.HasPrefix(got.ID, "t000001_data_summary_alice_"), got.ID)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, `{"rows":3}`, got.Result)
}

func TestOutboxCoordinatorQueuesFailedPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unavailable"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	o, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer o.Close()

	coord := &outboxCoordinator{
		Client: client.New(srv.URL, "alice"),
		outbox: o,
		logger: log.Component("worker"),
	}

	exec := &types.Execution{ID: "t000001_alice_1", TaskID: "t000001", Worker: "alice", Status: "success"}
	require.NoError(t, coord.PostExecution(context.Background(), exec))

	n, err := o.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var replayed []string
	_, err = o.Drain(func(e *types.Execution) error {
		replayed = append(replayed, e.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t000001_alice_1"}, replayed)
}
