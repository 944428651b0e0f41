package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

func TestCreateBatchOrdersByDependencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.CreateBatch(ctx, []BatchInput{
		{Key: "ui", Title: "Build UI", DependsOn: []string{"api"}},
		{Key: "api", Title: "Build API", DependsOn: []string{"schema"}},
		{Key: "schema", Title: "Design schema"},
	}, "")
	require.NoError(t, err)
	require.Len(t, res.Issues, 3)
	assert.Len(t, res.KeyMap, 3)

	ui, err := s.Show(ctx, res.KeyMap["ui"])
	require.NoError(t, err)
	require.Len(t, ui.Deps, 1)
	assert.Equal(t, res.KeyMap["api"], ui.Deps[0].DependsOnID)
}

func TestCreateBatchCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBatch(ctx, []BatchInput{
		{Key: "A", Title: "A", DependsOn: []string{"B"}},
		{Key: "B", Title: "B", DependsOn: []string{"C"}},
		{Key: "C", Title: "C", DependsOn: []string{"A"}},
	}, "")
	require.ErrorIs(t, err, ErrCircularDependency)
	assert.Contains(t, err.Error(), "circular")

	all, err := s.List(ctx, ListOptions{All: true})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateBatchEmpty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateBatch(context.Background(), nil, "")
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestCreateBatchDuplicateKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateBatch(context.Background(), []BatchInput{
		{Key: "x", Title: "one"},
		{Key: "x", Title: "two"},
	}, "")
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestCreateBatchEmptyTitle(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateBatch(context.Background(), []BatchInput{
		{Key: "x", Title: ""},
	}, "")
	assert.ErrorIs(t, err, ErrEmptyTitle)
}

func TestCreateBatchUnknownDependency(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateBatch(context.Background(), []BatchInput{
		{Key: "x", Title: "x", DependsOn: []string{"ghost"}},
	}, "")
	assert.ErrorIs(t, err, ErrIssueNotFound)
}

func TestCreateBatchRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBatch(ctx, []BatchInput{
		{Key: "good", Title: "fine"},
		{Key: "bad", Title: "broken", Scope: v1.Scope("galactic")},
	}, "")
	require.Error(t, err)

	all, err := s.List(ctx, ListOptions{All: true})
	require.NoError(t, err)
	assert.Empty(t, all, "failed batch must leave no trace")

	events, err := s.Activity(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCreateBatchMixedExistingDeps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	existing, err := s.Create(ctx, "existing", "", 1, CreateOptions{})
	require.NoError(t, err)

	res, err := s.CreateBatch(ctx, []BatchInput{
		{Key: "new", Title: "new work", DependsOn: []string{existing.ID}},
	}, "")
	require.NoError(t, err)

	got, err := s.Show(ctx, res.KeyMap["new"])
	require.NoError(t, err)
	require.Len(t, got.Deps, 1)
	assert.Equal(t, existing.ID, got.Deps[0].DependsOnID)
}
