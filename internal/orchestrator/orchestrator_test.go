package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/events/bus"
	"github.com/overmind-sh/overmind/internal/lifecycle"
	"github.com/overmind-sh/overmind/internal/registry"
	"github.com/overmind-sh/overmind/internal/roles"
	"github.com/overmind-sh/overmind/internal/scheduler"
	"github.com/overmind-sh/overmind/internal/store"
	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

type noopSupervisor struct {
	mu  sync.Mutex
	seq int
}

func (s *noopSupervisor) Spawn(ctx context.Context, role, taskID, kickoff string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("proc-%d", s.seq), nil
}

func (s *noopSupervisor) Kill(ctx context.Context, agentID, signal string) error { return nil }

func (s *noopSupervisor) OnExit(ctx context.Context, agentID string) (int, string, error) {
	<-ctx.Done()
	return 0, "", ctx.Err()
}

type harness struct {
	svc   *Service
	store *store.Store
	reg   *registry.Registry
	lc    *lifecycle.Coordinator
	bus   *bus.MemoryEventBus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := logger.Default()
	memBus := bus.NewMemoryEventBus(log)
	st := store.New(store.DefaultConfig(t.TempDir()), memBus, log)
	t.Cleanup(st.Close)

	reg := registry.New(registry.Config{}, log)
	tbl, err := roles.Load("", log)
	require.NoError(t, err)
	lc := lifecycle.New(lifecycle.DefaultConfig(), &noopSupervisor{}, st, reg, tbl, log)
	sched := scheduler.New(st, reg, log)

	svc := New(cfg, st, sched, lc, memBus, log)
	t.Cleanup(svc.Stop)
	return &harness{svc: svc, store: st, reg: reg, lc: lc, bus: memBus}
}

func TestStartTasksAdmitsAndClaims(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 5})
	ctx := context.Background()

	a, err := h.store.Create(ctx, "first", "", 0, store.CreateOptions{Name: "first"})
	require.NoError(t, err)
	b, err := h.store.Create(ctx, "second", "", 1, store.CreateOptions{Name: "second"})
	require.NoError(t, err)

	n, ids, err := h.svc.StartTasks(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{a.ID, b.ID}, ids)

	// both tasks are claimed and hold an issuer
	for _, id := range ids {
		iss, err := h.store.Show(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "in_progress", iss.Status)
		assert.Len(t, h.reg.GetActiveByTask(id), 1)
	}
}

func TestStartTasksHonorsConcurrencyCap(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.store.Create(ctx, fmt.Sprintf("task %d", i), "", 0,
			store.CreateOptions{Name: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}

	n, _, err := h.svc.StartTasks(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartTasksZeroCountDefaultsToOne(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.store.Create(ctx, "solo", "", 0, store.CreateOptions{Name: "solo"})
	require.NoError(t, err)

	n, ids, err := h.svc.StartTasks(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, ids, 1)
}

func TestStartTasksEmptyReadySet(t *testing.T) {
	h := newHarness(t, Config{})
	n, ids, err := h.svc.StartTasks(context.Background(), 3)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ids)
}

func TestClosingBlockerAdmitsUnblockedTask(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.svc.Start(ctx))

	blocker, err := h.store.Create(ctx, "blocker", "", 0, store.CreateOptions{Name: "blocker"})
	require.NoError(t, err)
	blocked, err := h.store.Create(ctx, "blocked", "", 0,
		store.CreateOptions{Name: "blocked", DependsOn: []string{blocker.ID}})
	require.NoError(t, err)

	require.NoError(t, h.store.CloseIssue(ctx, blocker.ID, "done early", "test"))

	// the rescan runs async off the bus delivery
	require.Eventually(t, func() bool {
		iss, err := h.store.Show(context.Background(), blocked.ID)
		return err == nil && iss.Status == "in_progress"
	}, 3*time.Second, 20*time.Millisecond, "blocked task was not admitted after its blocker closed")
	assert.Len(t, h.reg.GetActiveByTask(blocked.ID), 1)
}

func TestClosureProcessedOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.svc.Start(ctx))

	iss, err := h.store.Create(ctx, "lone", "", 0, store.CreateOptions{Name: "lone"})
	require.NoError(t, err)
	require.NoError(t, h.store.CloseIssue(ctx, iss.ID, "done", "test"))

	// a replayed delta for the same closure is ignored
	h.svc.onActivity(ctx, bus.NewEvent("activity", "test", map[string]interface{}{
		"events": []v1.ActivityEvent{{IssueID: iss.ID, Type: v1.ActivityClose}},
	}))
	h.svc.rescans.Wait()

	h.svc.mu.Lock()
	defer h.svc.mu.Unlock()
	assert.True(t, h.svc.closedS[iss.ID])
}

func TestRecoverOrphans(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	iss, err := h.store.Create(ctx, "orphaned", "", 0, store.CreateOptions{Name: "orphan"})
	require.NoError(t, err)
	status := "in_progress"
	_, err = h.store.Update(ctx, iss.ID, store.UpdatePatch{Status: &status})
	require.NoError(t, err)

	n, err := h.svc.RecoverOrphans(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.reg.GetActiveByTask(iss.ID), 1)
}

func TestClosureIDsGenericShape(t *testing.T) {
	ev := bus.NewEvent("activity", "store", map[string]interface{}{
		"events": []interface{}{
			map[string]interface{}{"event_type": "close", "issue_id": "a-1"},
			map[string]interface{}{"event_type": "update", "issue_id": "b-2"},
			map[string]interface{}{"event_type": "close", "issue_id": "c-3"},
		},
	})
	assert.Equal(t, []string{"a-1", "c-3"}, closureIDs(ev))
}
