package ipc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/conflict"
	"github.com/overmind-sh/overmind/internal/lifecycle"
	"github.com/overmind-sh/overmind/internal/registry"
	"github.com/overmind-sh/overmind/internal/roles"
	"github.com/overmind-sh/overmind/internal/store"
	"github.com/overmind-sh/overmind/internal/verify"
	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
	"github.com/overmind-sh/overmind/pkg/ipc"
)

type stubSupervisor struct {
	mu    sync.Mutex
	seq   int
	exits map[string]chan string // agent id -> signal it died with
}

func newStubSupervisor() *stubSupervisor {
	return &stubSupervisor{exits: make(map[string]chan string)}
}

func (s *stubSupervisor) Spawn(ctx context.Context, role, taskID, kickoff string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("proc-%d", s.seq)
	s.exits[id] = make(chan string, 1)
	return id, nil
}

func (s *stubSupervisor) Kill(ctx context.Context, agentID, signal string) error {
	s.mu.Lock()
	ch, ok := s.exits[agentID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such process %s", agentID)
	}
	select {
	case ch <- signal:
	default:
	}
	return nil
}

func (s *stubSupervisor) OnExit(ctx context.Context, agentID string) (int, string, error) {
	s.mu.Lock()
	ch := s.exits[agentID]
	s.mu.Unlock()
	select {
	case sig := <-ch:
		return 0, sig, nil
	case <-ctx.Done():
		return 0, "", ctx.Err()
	}
}

type stubAdmitter struct {
	mu        sync.Mutex
	lastCount int
}

func (a *stubAdmitter) StartTasks(ctx context.Context, count int) (int, []string, error) {
	a.mu.Lock()
	a.lastCount = count
	a.mu.Unlock()
	return count, []string{"task-aaaa"}, nil
}

type proceedResolver struct{}

func (proceedResolver) Resolve(ctx context.Context, d conflict.Dispute) (conflict.Verdict, error) {
	return conflict.VerdictProceed, nil
}

type fixedStatus struct {
	mu    sync.Mutex
	paths []string
}

func (f *fixedStatus) Status(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths, nil
}

func (f *fixedStatus) set(paths []string) {
	f.mu.Lock()
	f.paths = paths
	f.mu.Unlock()
}

// newTestVerifiers builds a per-agent gate manager over a controllable
// git status.
func newTestVerifiers(t *testing.T) (*verify.Manager, *fixedStatus, string) {
	t.Helper()
	status := &fixedStatus{}
	root := t.TempDir()
	m := verify.NewManagerWithStatus(root,
		func() verify.StatusRunner { return status }, logger.Default())
	return m, status, root
}

func newTestDeps(t *testing.T) (Deps, *stubAdmitter) {
	t.Helper()
	log := logger.Default()

	st := store.New(store.DefaultConfig(t.TempDir()), nil, log)
	t.Cleanup(st.Close)

	reg := registry.New(registry.Config{}, log)
	tbl, err := roles.Load("", log)
	require.NoError(t, err)

	adm := &stubAdmitter{}
	d := Deps{
		Store:     st,
		Registry:  reg,
		Lifecycle: lifecycle.New(lifecycle.DefaultConfig(), newStubSupervisor(), st, reg, tbl, log),
		Conflict:  conflict.New(conflict.DefaultConfig(), proceedResolver{}, log),
		Roles:     tbl,
		Admitter:  adm,
		Log:       log,
	}
	return d, adm
}

func dispatch(t *testing.T, d Deps, req *ipc.Request) *ipc.Response {
	t.Helper()
	return BuildRouter(d).Dispatch(context.Background(), req)
}

func TestUnknownVerb(t *testing.T) {
	d, _ := newTestDeps(t)
	resp := dispatch(t, d, &ipc.Request{Type: "bogus_verb"})
	assert.False(t, resp.OK)
	assert.Equal(t, "unknown type: bogus_verb", resp.Error)
}

func TestTasksRequestRoleDenial(t *testing.T) {
	d, _ := newTestDeps(t)

	// steering is read-only
	resp := dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "steering", Action: "comment_add",
		Params: map[string]interface{}{"id": "x", "text": "hi"},
	})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "not allowed")

	// unknown roles are denied everything
	resp = dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "intruder", Action: "show",
	})
	assert.False(t, resp.OK)
}

func TestTasksRequestCreateAndShow(t *testing.T) {
	d, _ := newTestDeps(t)

	resp := dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "singularity", Action: "create",
		Params: map[string]interface{}{
			"title":    "Wire up the frobnicator",
			"name":     "frob",
			"priority": float64(1), // json numbers arrive as float64
			"labels":   []interface{}{"backend"},
		},
	})
	require.True(t, resp.OK, resp.Error)
	created := resp.Data.(*v1.Issue)
	assert.True(t, strings.HasPrefix(created.ID, "frob-"))
	assert.Equal(t, 1, created.Priority)

	resp = dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "worker", Action: "show",
		Params: map[string]interface{}{"id": created.ID},
	})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, created.ID, resp.Data.(*v1.Issue).ID)
}

func TestTasksRequestDefaultTaskID(t *testing.T) {
	d, _ := newTestDeps(t)
	iss, err := d.Store.Create(context.Background(), "ambient task", "", 0, store.CreateOptions{Name: "ambient"})
	require.NoError(t, err)

	// no id in params: the caller's default task fills in
	resp := dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "worker", Action: "show",
		DefaultTaskID: iss.ID,
	})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, iss.ID, resp.Data.(*v1.Issue).ID)
}

func TestTasksRequestUpdateStatusAlias(t *testing.T) {
	d, _ := newTestDeps(t)
	iss, err := d.Store.Create(context.Background(), "status test", "", 0, store.CreateOptions{Name: "stat"})
	require.NoError(t, err)

	resp := dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "finisher", Action: "update",
		Params: map[string]interface{}{"id": iss.ID, "newStatus": "in_progress"},
	})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "in_progress", resp.Data.(*v1.Issue).Status)
}

func TestTasksRequestUnknownAction(t *testing.T) {
	d, _ := newTestDeps(t)
	resp := dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "singularity", Action: "explode",
	})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "not allowed")
}

func TestCommentAddVerifiesWorkerClaims(t *testing.T) {
	d, _ := newTestDeps(t)
	ctx := context.Background()
	iss, err := d.Store.Create(ctx, "claimed work", "", 0, store.CreateOptions{Name: "claim"})
	require.NoError(t, err)

	// a clean tree: the baseline and the current status agree
	verifiers, _, _ := newTestVerifiers(t)
	d.Verifier = verifiers
	require.NoError(t, d.Verifier.StartAgent(ctx, "agent-w1"))

	resp := dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "worker", Action: "comment_add",
		AgentID: "agent-w1",
		Params: map[string]interface{}{
			"id":   iss.ID,
			"text": "Implemented the feature in `internal/frob/frob.go`, all tests pass.",
		},
	})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "no substantive file changes were verified")

	// non-claim comments always land
	resp = dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "worker", Action: "comment_add",
		AgentID: "agent-w1",
		Params: map[string]interface{}{
			"id":   iss.ID,
			"text": "Still investigating the flaky test.",
		},
	})
	require.True(t, resp.OK, resp.Error)

	// agents without an armed gate bypass it
	resp = dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "finisher", Action: "comment_add",
		AgentID: "agent-f1",
		Params: map[string]interface{}{
			"id":   iss.ID,
			"text": "Implemented the release notes in `CHANGELOG.md`.",
		},
	})
	require.True(t, resp.OK, resp.Error)
}

func TestCommentGateScopedPerWorkerGeneration(t *testing.T) {
	d, _ := newTestDeps(t)
	ctx := context.Background()
	iss, err := d.Store.Create(ctx, "generational work", "", 0, store.CreateOptions{Name: "gen"})
	require.NoError(t, err)

	verifiers, status, root := newTestVerifiers(t)
	d.Verifier = verifiers

	claim := map[string]interface{}{
		"id":   iss.ID,
		"text": "Implemented fix in src/fix.go; verified",
	}

	// gen1 lands a real change, so its claim is admitted
	require.NoError(t, d.Verifier.StartAgent(ctx, "agent-gen1"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "fix.go"),
		[]byte("package fix\n\nfunc Fixed() int { return 1 }\n"), 0o644))
	status.set([]string{"src/fix.go"})

	resp := dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "worker", Action: "comment_add",
		AgentID: "agent-gen1", Params: claim,
	})
	require.True(t, resp.OK, resp.Error)

	// gen1 dies; its replacement is armed against the tree gen1 left
	// behind, so the same claim carries no evidence of its own
	d.Verifier.DropAgent("agent-gen1")
	require.NoError(t, d.Verifier.StartAgent(ctx, "agent-gen2"))

	resp = dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "worker", Action: "comment_add",
		AgentID: "agent-gen2", Params: claim,
	})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "no substantive file changes were verified")
}

func TestStartTasksDefaultsCount(t *testing.T) {
	d, adm := newTestDeps(t)

	resp := dispatch(t, d, &ipc.Request{Type: "start_tasks"})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, 1, adm.lastCount)

	resp = dispatch(t, d, &ipc.Request{Type: "start_tasks", Count: 3})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, 3, adm.lastCount)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, 3, data["spawned"])
}

func TestStopAgentsForTaskSummaryShape(t *testing.T) {
	d, _ := newTestDeps(t)
	ctx := context.Background()
	iss, err := d.Store.Create(ctx, "doomed task", "", 0, store.CreateOptions{Name: "doomed"})
	require.NoError(t, err)
	_, err = d.Lifecycle.StartPipeline(ctx, iss.ID)
	require.NoError(t, err)

	resp := dispatch(t, d, &ipc.Request{
		Type: "stop_agents_for_task", TaskID: iss.ID,
		IncludeFinisher: true, WaitForCompletion: true,
	})
	require.True(t, resp.OK, resp.Error)
	assert.True(t, strings.HasPrefix(resp.Summary, "stopped agents for "+iss.ID), resp.Summary)
}

func TestDeleteThenTombstoneClose(t *testing.T) {
	d, _ := newTestDeps(t)
	ctx := context.Background()
	iss, err := d.Store.Create(ctx, "cancel me", "", 0, store.CreateOptions{Name: "cancel"})
	require.NoError(t, err)

	resp := dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "singularity", Action: "delete",
		Params: map[string]interface{}{"id": iss.ID},
	})
	require.True(t, resp.OK, resp.Error)

	// the delete already landed, so the fallback close reports not-found
	resp = dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "singularity", Action: "close",
		Params: map[string]interface{}{
			"id":     iss.ID,
			"reason": "tombstone: cancelled by user via delete_task_issue",
		},
	})
	assert.False(t, resp.OK)

	// the fallback applies when delete is refused for an unknown id
	other, err := d.Store.Create(ctx, "second", "", 0, store.CreateOptions{Name: "second"})
	require.NoError(t, err)
	resp = dispatch(t, d, &ipc.Request{
		Type: "tasks_request", Role: "singularity", Action: "close",
		Params: map[string]interface{}{
			"id":     other.ID,
			"reason": "tombstone: cancelled by user via delete_task_issue",
		},
	})
	require.True(t, resp.OK, resp.Error)
	closed, err := d.Store.Show(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, "tombstone: cancelled by user via delete_task_issue", closed.CloseReason)
}

func TestListTaskAgents(t *testing.T) {
	d, _ := newTestDeps(t)
	ctx := context.Background()
	iss, err := d.Store.Create(ctx, "tracked task", "", 0, store.CreateOptions{Name: "tracked"})
	require.NoError(t, err)
	_, err = d.Lifecycle.StartPipeline(ctx, iss.ID)
	require.NoError(t, err)

	resp := dispatch(t, d, &ipc.Request{Type: "list_task_agents", TaskID: iss.ID})
	require.True(t, resp.OK, resp.Error)
	agents := resp.Data.(map[string]interface{})["agents"].([]v1.AgentSummary)
	require.Len(t, agents, 1)
	assert.Equal(t, iss.ID, agents[0].TaskID)

	resp = dispatch(t, d, &ipc.Request{Type: "list_active_agents"})
	require.True(t, resp.OK, resp.Error)
	assert.Len(t, resp.Data.(map[string]interface{})["agents"].([]v1.AgentSummary), 1)
}

func TestReadMessageHistoryUnknownAgentIsEmpty(t *testing.T) {
	d, _ := newTestDeps(t)
	resp := dispatch(t, d, &ipc.Request{Type: "read_message_history", AgentID: "agent-ghost"})
	require.True(t, resp.OK, resp.Error)
	hist := resp.Data.(*registry.MessageHistory)
	assert.Empty(t, hist.Messages)
}

func TestComplainUncontestedProceeds(t *testing.T) {
	d, _ := newTestDeps(t)
	resp := dispatch(t, d, &ipc.Request{
		Type: "complain", AgentID: "agent-a", TaskID: "task-1",
		Files: []string{"pkg/a.go"}, Reason: "rewriting the codec",
	})
	require.True(t, resp.OK, resp.Error)
	results := resp.Data.(map[string]interface{})["results"].([]conflict.Result)
	require.Len(t, results, 1)
	assert.Equal(t, conflict.VerdictProceed, results[0].Verdict)
}

func TestBashCheck(t *testing.T) {
	d, _ := newTestDeps(t)

	resp := dispatch(t, d, &ipc.Request{
		Type: "bash_check", Role: "worker",
		Params: map[string]interface{}{"command": "git commit -m wip"},
	})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "commit")

	resp = dispatch(t, d, &ipc.Request{
		Type: "bash_check", Role: "worker",
		Params: map[string]interface{}{"command": "git status"},
	})
	assert.True(t, resp.OK)

	resp = dispatch(t, d, &ipc.Request{
		Type: "bash_check", Role: "singularity",
		Params: map[string]interface{}{"command": "git commit -m release"},
	})
	assert.True(t, resp.OK)
}

func TestRecordWriteIntent(t *testing.T) {
	d, _ := newTestDeps(t)
	verifiers, _, _ := newTestVerifiers(t)
	d.Verifier = verifiers
	require.NoError(t, d.Verifier.StartAgent(context.Background(), "agent-w1"))

	resp := dispatch(t, d, &ipc.Request{
		Type: "record_write_intent", AgentID: "agent-w1",
		Params: map[string]interface{}{"path": "internal/frob/frob.go"},
	})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, []string{"internal/frob/frob.go"}, d.Verifier.For("agent-w1").WriteIntents())

	// intents land only on the calling agent's own gate
	resp = dispatch(t, d, &ipc.Request{
		Type: "record_write_intent", AgentID: "agent-ghost",
		Params: map[string]interface{}{"path": "other.go"},
	})
	require.True(t, resp.OK, resp.Error)
	assert.Nil(t, d.Verifier.For("agent-ghost"))
	assert.Equal(t, []string{"internal/frob/frob.go"}, d.Verifier.For("agent-w1").WriteIntents())

	resp = dispatch(t, d, &ipc.Request{Type: "record_write_intent"})
	assert.False(t, resp.OK)
}

func TestAdvanceLifecycleRequiresTask(t *testing.T) {
	d, _ := newTestDeps(t)
	resp := dispatch(t, d, &ipc.Request{Type: "advance_lifecycle", Role: "issuer", Action: "start"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "task id required")
}
