// Package orchestrator glues admission together: it pulls admissible
// tasks from the scheduler, claims them, and hands them to the
// lifecycle coordinator. It also listens on the event bus so that a
// closing blocker triggers a fresh admission round for the tasks it
// unblocked.
package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/events"
	"github.com/overmind-sh/overmind/internal/events/bus"
	"github.com/overmind-sh/overmind/internal/lifecycle"
	"github.com/overmind-sh/overmind/internal/scheduler"
	"github.com/overmind-sh/overmind/internal/store"
	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

// Config holds admission tuning.
type Config struct {
	MaxConcurrent int // cap on simultaneously admitted tasks
}

// DefaultConfig returns default admission tuning.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 5}
}

// Service runs the admission loop.
type Service struct {
	cfg       Config
	store     *store.Store
	sched     *scheduler.Scheduler
	lifecycle *lifecycle.Coordinator
	bus       bus.EventBus
	log       *logger.Logger

	mu      sync.Mutex
	sub     bus.Subscription
	closedS map[string]bool // issue id -> closure already processed
	rescans sync.WaitGroup
}

// New creates the admission service. The bus may be nil; without it the
// unblock-on-close rescan is driven only by explicit start_tasks calls.
func New(cfg Config, st *store.Store, sched *scheduler.Scheduler, lc *lifecycle.Coordinator, eventBus bus.EventBus, log *logger.Logger) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		sched:     sched,
		lifecycle: lc,
		bus:       eventBus,
		log:       log.WithComponent("orchestrator"),
		closedS:   make(map[string]bool),
	}
}

// Start subscribes to store activity so closures fire admission rounds.
func (s *Service) Start(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Subscribe(events.SubjectActivity, func(ctx context.Context, ev *bus.Event) error {
		s.onActivity(ctx, ev)
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Stop tears down the bus subscription. Agents are stopped by the
// lifecycle coordinator's shutdown, not here.
func (s *Service) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	s.rescans.Wait()
}

// StartTasks admits up to count tasks: fetch candidates, claim each, and
// start a pipeline for every claim won. A lost claim race skips the task
// silently; the next round sees the winner's in_progress status.
func (s *Service) StartTasks(ctx context.Context, count int) (int, []string, error) {
	if count <= 0 {
		count = 1
	}
	if count > s.cfg.MaxConcurrent {
		count = s.cfg.MaxConcurrent
	}

	candidates, err := s.sched.GetNextTasks(ctx, count)
	if err != nil {
		return 0, nil, err
	}

	var started []string
	for _, iss := range candidates {
		claimed, err := s.sched.TryClaim(ctx, iss.ID)
		if err != nil {
			s.log.Warn("claim failed", zap.String("task", iss.ID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		if _, err := s.lifecycle.StartPipeline(ctx, iss.ID); err != nil {
			s.log.Error("pipeline start failed", zap.String("task", iss.ID), zap.Error(err))
			continue
		}
		started = append(started, iss.ID)
	}
	if started == nil {
		started = []string{}
	}
	return len(started), started, nil
}

// RecoverOrphans admits in_progress tasks that lost their agent, e.g.
// after a crash. Each gets a fresh pipeline without re-claiming.
func (s *Service) RecoverOrphans(ctx context.Context, limit int) (int, error) {
	orphans, err := s.sched.GetInProgressTasksWithoutAgent(ctx, limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, iss := range orphans {
		if _, err := s.lifecycle.StartPipeline(ctx, iss.ID); err != nil {
			s.log.Error("orphan recovery failed", zap.String("task", iss.ID), zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered, nil
}

// onActivity watches the activity stream for closures and admits
// whatever each closure unblocked. The rescan runs off the bus
// goroutine: the in-memory bus delivers from inside the store's
// mutation chain, and the rescan itself mutates the store.
func (s *Service) onActivity(ctx context.Context, ev *bus.Event) {
	for _, closedID := range closureIDs(ev) {
		s.mu.Lock()
		seen := s.closedS[closedID]
		s.closedS[closedID] = true
		s.mu.Unlock()
		if seen {
			continue
		}
		s.rescans.Add(1)
		go func(id string) {
			defer s.rescans.Done()
			s.admitUnblocked(context.Background(), id)
		}(closedID)
	}
}

// admitUnblocked claims and starts every task freed by a closure.
func (s *Service) admitUnblocked(ctx context.Context, closedID string) {
	unblocked, err := s.sched.FindTasksUnblockedBy(ctx, closedID)
	if err != nil {
		s.log.Warn("unblock scan failed", zap.String("closed", closedID), zap.Error(err))
		return
	}
	for _, iss := range unblocked {
		claimed, err := s.sched.TryClaim(ctx, iss.ID)
		if err != nil || !claimed {
			continue
		}
		if _, err := s.lifecycle.StartPipeline(ctx, iss.ID); err != nil {
			s.log.Error("pipeline start failed",
				zap.String("task", iss.ID), zap.Error(err))
			continue
		}
		s.log.Info("admitted unblocked task",
			zap.String("task", iss.ID), zap.String("unblocked_by", closedID))
	}
}

// closureIDs extracts issue ids of close events from an activity delta.
// Bus payloads arrive either as typed slices (in-process memory bus) or
// as generic JSON shapes (NATS).
func closureIDs(ev *bus.Event) []string {
	raw, ok := ev.Data["events"]
	if !ok {
		return nil
	}
	var out []string
	switch delta := raw.(type) {
	case []v1.ActivityEvent:
		for _, e := range delta {
			if e.Type == v1.ActivityClose {
				out = append(out, e.IssueID)
			}
		}
	case []interface{}:
		for _, item := range delta {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := m["event_type"].(string); t != string(v1.ActivityClose) {
				continue
			}
			if id, _ := m["issue_id"].(string); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}
