package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/registry"
	"github.com/overmind-sh/overmind/internal/store"
	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *registry.Registry) {
	t.Helper()
	st := store.New(store.DefaultConfig(t.TempDir()), nil, logger.Default())
	t.Cleanup(st.Close)
	reg := registry.New(registry.Config{}, logger.Default())
	return New(st, reg, logger.Default()), st, reg
}

func TestGetNextTasksOrdersAndLimits(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := st.Create(ctx, "low", "", 3, store.CreateOptions{Name: "low"})
	require.NoError(t, err)
	high, err := st.Create(ctx, "high", "", 0, store.CreateOptions{Name: "high"})
	require.NoError(t, err)
	_, err = st.Create(ctx, "mid", "", 1, store.CreateOptions{Name: "mid"})
	require.NoError(t, err)

	next, err := sched.GetNextTasks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, high.ID, next[0].ID)
	assert.Equal(t, "mid", next[1].Title)

	none, err := sched.GetNextTasks(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetNextTasksSkipsHeldTasks(t *testing.T) {
	sched, st, reg := newTestScheduler(t)
	ctx := context.Background()

	held, err := st.Create(ctx, "held", "", 0, store.CreateOptions{})
	require.NoError(t, err)
	free, err := st.Create(ctx, "free", "", 1, store.CreateOptions{})
	require.NoError(t, err)

	reg.Register(&registry.AgentInfo{ID: "w1", Kind: v1.AgentKindWorker,
		TaskID: held.ID, State: v1.AgentStatusRunning})

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, free.ID, next[0].ID)
}

func TestGetNextTasksTerminalAgentDoesNotHold(t *testing.T) {
	sched, st, reg := newTestScheduler(t)
	ctx := context.Background()

	task, err := st.Create(ctx, "was held", "", 0, store.CreateOptions{})
	require.NoError(t, err)
	reg.Register(&registry.AgentInfo{ID: "w1", Kind: v1.AgentKindWorker,
		TaskID: task.ID, State: v1.AgentStatusDone})

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, next, 1)
}

func TestGetNextTasksSkipsBlockedTasks(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	ctx := context.Background()

	blocker, err := st.Create(ctx, "blocker", "", 0, store.CreateOptions{})
	require.NoError(t, err)
	_, err = st.Create(ctx, "blocked", "", 0, store.CreateOptions{DependsOn: []string{blocker.ID}})
	require.NoError(t, err)

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, blocker.ID, next[0].ID)
}

func TestGetNextTasksLabelConflict(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	ctx := context.Background()

	t1, err := st.Create(ctx, "T1", "", 1, store.CreateOptions{Labels: []string{"module:ipc"}})
	require.NoError(t, err)
	_, err = st.Create(ctx, "T2", "", 2, store.CreateOptions{Labels: []string{"module:ipc"}})
	require.NoError(t, err)

	_, err = st.Update(ctx, t1.ID, store.UpdatePatch{Claim: true})
	require.NoError(t, err)

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, next, "a label held by an in_progress task excludes every sharer")
}

func TestGetNextTasksUnrelatedLabelsPass(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	ctx := context.Background()

	t1, err := st.Create(ctx, "T1", "", 1, store.CreateOptions{Labels: []string{"module:ipc"}})
	require.NoError(t, err)
	t2, err := st.Create(ctx, "T2", "", 2, store.CreateOptions{Labels: []string{"module:store"}})
	require.NoError(t, err)

	_, err = st.Update(ctx, t1.ID, store.UpdatePatch{Claim: true})
	require.NoError(t, err)

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, t2.ID, next[0].ID)
}

func TestGetInProgressTasksWithoutAgent(t *testing.T) {
	sched, st, reg := newTestScheduler(t)
	ctx := context.Background()

	orphan, err := st.Create(ctx, "orphan", "", 1, store.CreateOptions{})
	require.NoError(t, err)
	held, err := st.Create(ctx, "held", "", 0, store.CreateOptions{})
	require.NoError(t, err)
	for _, id := range []string{orphan.ID, held.ID} {
		_, err = st.Update(ctx, id, store.UpdatePatch{Claim: true})
		require.NoError(t, err)
	}
	reg.Register(&registry.AgentInfo{ID: "w1", TaskID: held.ID, State: v1.AgentStatusRunning})

	got, err := sched.GetInProgressTasksWithoutAgent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, orphan.ID, got[0].ID)
}

func TestTryClaimRace(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	ctx := context.Background()

	task, err := st.Create(ctx, "contested", "", 1, store.CreateOptions{})
	require.NoError(t, err)

	const racers = 8
	results := make([]bool, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := sched.TryClaim(ctx, task.ID)
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one claimant wins")
}

func TestTryClaimUnknownTask(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	_, err := sched.TryClaim(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestFindTasksUnblockedBy(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	ctx := context.Background()

	blocker, err := st.Create(ctx, "blocker", "", 0, store.CreateOptions{})
	require.NoError(t, err)
	other, err := st.Create(ctx, "other blocker", "", 0, store.CreateOptions{})
	require.NoError(t, err)

	single, err := st.Create(ctx, "single dep", "", 1, store.CreateOptions{DependsOn: []string{blocker.ID}})
	require.NoError(t, err)
	double, err := st.Create(ctx, "double dep", "", 1, store.CreateOptions{DependsOn: []string{blocker.ID, other.ID}})
	require.NoError(t, err)
	_, err = st.Create(ctx, "unrelated", "", 1, store.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, st.CloseIssue(ctx, blocker.ID, "done", ""))

	unblocked, err := sched.FindTasksUnblockedBy(ctx, blocker.ID)
	require.NoError(t, err)
	require.Len(t, unblocked, 1, "the doubly-blocked task still waits on the other blocker")
	assert.Equal(t, single.ID, unblocked[0].ID)

	require.NoError(t, st.CloseIssue(ctx, other.ID, "done", ""))
	unblocked, err = sched.FindTasksUnblockedBy(ctx, other.ID)
	require.NoError(t, err)
	require.Len(t, unblocked, 1)
	assert.Equal(t, double.ID, unblocked[0].ID)
}
