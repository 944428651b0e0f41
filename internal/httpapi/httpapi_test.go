package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/registry"
	"github.com/overmind-sh/overmind/internal/store"
	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *registry.Registry) {
	t.Helper()
	log := logger.Default()
	st := store.New(store.DefaultConfig(t.TempDir()), nil, log)
	t.Cleanup(st.Close)
	reg := registry.New(registry.Config{}, log)
	return New(Config{Host: "127.0.0.1", Port: 0}, st, reg, log), st, reg
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestListTasks(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()

	_, err := st.Create(ctx, "visible", "", 0, store.CreateOptions{Name: "visible"})
	require.NoError(t, err)
	closed, err := st.Create(ctx, "hidden", "", 0, store.CreateOptions{Name: "hidden"})
	require.NoError(t, err)
	require.NoError(t, st.CloseIssue(ctx, closed.ID, "done", "test"))

	w := get(t, s, "/api/v1/tasks")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Tasks []v1.Issue `json:"tasks"`
		Total int        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "visible", body.Tasks[0].Title)

	w = get(t, s, "/api/v1/tasks?all=true")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
}

func TestGetTask(t *testing.T) {
	s, st, _ := newTestServer(t)
	iss, err := st.Create(context.Background(), "lookup me", "", 2, store.CreateOptions{Name: "lookup"})
	require.NoError(t, err)

	w := get(t, s, "/api/v1/tasks/"+iss.ID)
	require.Equal(t, http.StatusOK, w.Code)
	var got v1.Issue
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, iss.ID, got.ID)
	assert.Equal(t, 2, got.Priority)

	w = get(t, s, "/api/v1/tasks/no-such-task")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAgents(t *testing.T) {
	s, _, reg := newTestServer(t)
	reg.Register(&registry.AgentInfo{ID: "agent-1", Kind: "worker", TaskID: "task-x", State: v1.AgentStatusWorking})
	reg.Register(&registry.AgentInfo{ID: "agent-2", Kind: "issuer", TaskID: "task-y", State: v1.AgentStatusDone})

	w := get(t, s, "/api/v1/agents")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Agents []v1.AgentSummary `json:"agents"`
		Total  int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total) // done agents are not active
	assert.Equal(t, "agent-1", body.Agents[0].ID)

	w = get(t, s, "/api/v1/agents?task_id=task-y")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "agent-2", body.Agents[0].ID)
}

func TestListActivity(t *testing.T) {
	s, st, _ := newTestServer(t)
	_, err := st.Create(context.Background(), "traced", "", 0, store.CreateOptions{Name: "traced"})
	require.NoError(t, err)

	w := get(t, s, "/api/v1/activity?limit=10")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events []v1.ActivityEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Events)
	assert.Equal(t, v1.ActivityCreate, body.Events[0].Type)
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
}
