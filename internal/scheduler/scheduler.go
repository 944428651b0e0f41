// Package scheduler decides which ready tasks may be admitted to agents.
package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/registry"
	"github.com/overmind-sh/overmind/internal/store"
	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

// Scheduler filters the store's ready set against the live registry.
// It holds no state of its own; every call re-reads both sources.
type Scheduler struct {
	store    *store.Store
	registry *registry.Registry
	log      *logger.Logger
}

// New creates a scheduler over a store and registry.
func New(st *store.Store, reg *registry.Registry, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		registry: reg,
		log:      log.WithComponent("scheduler"),
	}
}

// GetNextTasks returns up to n admissible tasks: ready, not already held
// by an active agent, blocking dependencies all closed, and no label
// shared with an in_progress task. Labels act as exclusive resources.
// Order is (priority asc, id natural).
func (s *Scheduler) GetNextTasks(ctx context.Context, n int) ([]*v1.Issue, error) {
	if n <= 0 {
		return nil, nil
	}
	ready, err := s.store.Ready(ctx)
	if err != nil {
		return nil, err
	}
	conflictLabels, err := s.inProgressLabels(ctx)
	if err != nil {
		return nil, err
	}

	var out []*v1.Issue
	for _, iss := range ready {
		if len(s.registry.GetActiveByTask(iss.ID)) > 0 {
			continue
		}
		blocked, err := s.hasOpenBlockingDep(ctx, iss)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		if sharesLabel(iss.Labels, conflictLabels) {
			s.log.Debug("task rejected by label conflict",
				zap.String("task_id", iss.ID),
				zap.Strings("labels", iss.Labels))
			continue
		}
		out = append(out, iss)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

// hasOpenBlockingDep resolves an issue's blocking dependencies. Inline
// dependency rows are preferred; when absent but the issue still counts
// dependencies, the full record is fetched.
func (s *Scheduler) hasOpenBlockingDep(ctx context.Context, iss *v1.Issue) (bool, error) {
	deps := iss.Deps
	if len(deps) == 0 && (iss.DependencyCount() > 0 || len(iss.DependsOn) > 0) {
		full, err := s.store.Show(ctx, iss.ID)
		if err != nil {
			return false, err
		}
		deps = full.Deps
	}
	for _, dep := range deps {
		if !v1.IsBlockingDepType(dep.Type) {
			continue
		}
		if dep.Status != string(v1.TaskStateClosed) {
			return true, nil
		}
	}
	return false, nil
}

// inProgressLabels collects the exclusive-resource label set from every
// in_progress task.
func (s *Scheduler) inProgressLabels(ctx context.Context) (map[string]struct{}, error) {
	inProgress, err := s.store.List(ctx, store.ListOptions{Status: string(v1.TaskStateInProgress)})
	if err != nil {
		return nil, err
	}
	labels := make(map[string]struct{})
	for _, iss := range inProgress {
		if iss.IssueType != v1.IssueTypeTask {
			continue
		}
		for _, l := range iss.Labels {
			labels[l] = struct{}{}
		}
	}
	return labels, nil
}

func sharesLabel(labels []string, set map[string]struct{}) bool {
	for _, l := range labels {
		if _, ok := set[l]; ok {
			return true
		}
	}
	return false
}

// GetInProgressTasksWithoutAgent returns up to n in_progress tasks that
// no active agent currently holds, sorted by priority. These are
// candidates for recovery after an agent died mid-task.
func (s *Scheduler) GetInProgressTasksWithoutAgent(ctx context.Context, n int) ([]*v1.Issue, error) {
	inProgress, err := s.store.List(ctx, store.ListOptions{Status: string(v1.TaskStateInProgress)})
	if err != nil {
		return nil, err
	}
	var out []*v1.Issue
	for _, iss := range inProgress {
		if iss.IssueType != v1.IssueTypeTask {
			continue
		}
		if len(s.registry.GetActiveByTask(iss.ID)) > 0 {
			continue
		}
		out = append(out, iss)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out, nil
}

// TryClaim attempts to claim a task. Losing the claim race resolves to
// false, not an error; anything else propagates.
func (s *Scheduler) TryClaim(ctx context.Context, taskID string) (bool, error) {
	_, err := s.store.Update(ctx, taskID, store.UpdatePatch{Claim: true})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FindTasksUnblockedBy returns the non-closed tasks that depended on the
// just-closed issue and whose blocking dependencies are now all closed.
// Used to fire an admission round when a blocker closes.
func (s *Scheduler) FindTasksUnblockedBy(ctx context.Context, closedTaskID string) ([]*v1.Issue, error) {
	all, err := s.store.List(ctx, store.ListOptions{})
	if err != nil {
		return nil, err
	}
	var out []*v1.Issue
	for _, iss := range all {
		if iss.IssueType != v1.IssueTypeTask || iss.IsClosed() {
			continue
		}
		dependedOnClosed := false
		stillBlocked := false
		full, err := s.store.Show(ctx, iss.ID)
		if err != nil {
			return nil, err
		}
		for _, dep := range full.Deps {
			if !v1.IsBlockingDepType(dep.Type) {
				continue
			}
			if dep.DependsOnID == closedTaskID {
				dependedOnClosed = true
			}
			if dep.Status != string(v1.TaskStateClosed) {
				stillBlocked = true
			}
		}
		if dependedOnClosed && !stillBlocked {
			out = append(out, iss)
		}
	}
	return out, nil
}
