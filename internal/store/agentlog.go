package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

// CreateAgent creates an agent-typed issue bound to a task. The id carries
// the agent- prefix and the gt:agent label is forced.
func (s *Store) CreateAgent(ctx context.Context, name string, kind v1.AgentKind, taskID string) (*v1.Issue, error) {
	title := fmt.Sprintf("%s agent", kind)
	if name != "" {
		title = name
	}
	iss, err := s.Create(ctx, title, "", v1.PriorityMax, CreateOptions{
		Name: name,
		Type: v1.IssueTypeAgent,
	})
	if err != nil {
		return nil, err
	}
	if taskID == "" {
		return iss, nil
	}

	err = s.enqueue(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.issues[iss.ID]
		if !ok {
			return notFound(iss.ID)
		}
		if stored.AgentLog == nil {
			stored.AgentLog = &v1.AgentLog{}
		}
		stored.AgentLog.TaskID = taskID
		stored.AgentLog.UpdatedAt = time.Now().UTC()
		s.markDirty(iss.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	iss.AgentLog = &v1.AgentLog{TaskID: taskID, UpdatedAt: time.Now().UTC()}
	return iss, nil
}

// SetAgentState transitions an agent issue and bumps last_activity.
func (s *Store) SetAgentState(ctx context.Context, id string, state v1.AgentState) error {
	return s.enqueue(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		iss, ok := s.issues[id]
		if !ok {
			return notFound(id)
		}
		if iss.IssueType != v1.IssueTypeAgent {
			return fmt.Errorf("%w: %s is not an agent issue", ErrInvalidType, id)
		}
		if !v1.IsValidStatus(v1.IssueTypeAgent, string(state)) {
			return fmt.Errorf("%w: %q for agent", ErrInvalidStatus, state)
		}

		now := time.Now().UTC()
		iss.AgentState = state
		iss.Status = string(state)
		iss.LastActivity = &now
		iss.UpdatedAt = now
		s.markDirty(id)
		s.recordActivity(v1.ActivityEvent{
			ID:        uuid.New().String(),
			IssueID:   id,
			Type:      v1.ActivityAgentState,
			Actor:     s.cfg.Actor,
			CreatedAt: now,
			Data:      map[string]interface{}{"state": string(state)},
		})
		return nil
	})
}

// Heartbeat bumps an agent issue's last_activity. The write is deferred:
// bursts coalesce into one disk pass and the activity log rides the next
// non-skipping flush.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	return s.enqueue(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		iss, ok := s.issues[id]
		if !ok {
			return notFound(id)
		}
		now := time.Now().UTC()
		iss.LastActivity = &now
		if iss.AgentLog != nil {
			iss.AgentLog.UpdatedAt = now
		}
		s.skipFlush = true
		s.scheduleDeferredFlush(id)
		return nil
	})
}

// SetSlot binds a named slot on an agent issue to a task id.
func (s *Store) SetSlot(ctx context.Context, id, slot, taskID string) error {
	return s.slotOp(ctx, id, slot, taskID, v1.ActivitySlotSet)
}

// ClearSlot removes a named slot binding.
func (s *Store) ClearSlot(ctx context.Context, id, slot string) error {
	return s.slotOp(ctx, id, slot, "", v1.ActivitySlotClear)
}

func (s *Store) slotOp(ctx context.Context, id, slot, taskID string, typ v1.ActivityType) error {
	return s.enqueue(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		iss, ok := s.issues[id]
		if !ok {
			return notFound(id)
		}
		if iss.IssueType != v1.IssueTypeAgent {
			return fmt.Errorf("%w: %s is not an agent issue", ErrInvalidType, id)
		}

		now := time.Now().UTC()
		if typ == v1.ActivitySlotSet {
			if iss.SlotBindings == nil {
				iss.SlotBindings = make(map[string]string)
			}
			iss.SlotBindings[slot] = taskID
		} else {
			delete(iss.SlotBindings, slot)
		}
		iss.UpdatedAt = now
		s.markDirty(id)
		s.recordActivity(v1.ActivityEvent{
			ID:        uuid.New().String(),
			IssueID:   id,
			Type:      typ,
			Actor:     s.cfg.Actor,
			CreatedAt: now,
			Data:      map[string]interface{}{"slot": slot, "task_id": taskID},
		})
		return nil
	})
}

// RecordAgentEvent appends a best-effort activity event attributed to an
// agent issue. Failures are logged, never surfaced to the mutation that
// produced the event.
func (s *Store) RecordAgentEvent(ctx context.Context, id, eventType string, data map[string]interface{}) error {
	return s.enqueue(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		now := time.Now().UTC()
		if iss, ok := s.issues[id]; ok {
			iss.LastActivity = &now
		}
		payload := map[string]interface{}{"agent_event": eventType}
		for k, v := range data {
			payload[k] = v
		}
		s.recordActivity(v1.ActivityEvent{
			ID:        uuid.New().String(),
			IssueID:   id,
			Type:      v1.ActivityAgentState,
			Actor:     s.cfg.Actor,
			CreatedAt: now,
			Data:      payload,
		})
		return nil
	})
}

// RecordAgentUsage folds a usage sample into an agent issue. The per-task
// aggregate is recomputed by scanning every agent log bound to the task.
// The write is deferred like heartbeats.
func (s *Store) RecordAgentUsage(ctx context.Context, id string, usage v1.Usage) error {
	return s.enqueue(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		iss, ok := s.issues[id]
		if !ok {
			return notFound(id)
		}
		now := time.Now().UTC()
		if iss.AgentLog == nil {
			iss.AgentLog = &v1.AgentLog{}
		}
		iss.AgentLog.Usage.Add(usage)
		iss.AgentLog.UpdatedAt = now
		if iss.UsageTotals == nil {
			iss.UsageTotals = &v1.Usage{}
		}
		iss.UsageTotals.Add(usage)
		iss.LastActivity = &now

		s.skipFlush = true
		s.scheduleDeferredFlush(id)
		return nil
	})
}

// TaskUsage aggregates usage across every agent log bound to a task id.
func (s *Store) TaskUsage(ctx context.Context, taskID string) (v1.Usage, error) {
	if err := s.ensureLoaded(); err != nil {
		return v1.Usage{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total v1.Usage
	for _, iss := range s.issues {
		if iss.AgentLog != nil && iss.AgentLog.TaskID == taskID {
			total.Add(iss.AgentLog.Usage)
		}
	}
	return total, nil
}

// compactAgents demotes stale agent issues to dead and evicts terminal
// agent records beyond the cap. Runs lazily on every flush. Message
// buffers are not persisted at all, so retained buffers are always empty.
func (s *Store) compactAgents() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-s.cfg.AgentTTL)

	var agents []*v1.Issue
	for _, iss := range s.issues {
		if iss.IssueType != v1.IssueTypeAgent {
			continue
		}
		agents = append(agents, iss)
		if v1.IsTerminalAgentStatus(v1.AgentStatus(iss.AgentState)) || iss.AgentState == v1.AgentStateClosed {
			continue
		}
		last := iss.CreatedAt
		if iss.LastActivity != nil {
			last = *iss.LastActivity
		}
		if last.Before(cutoff) {
			iss.AgentState = v1.AgentStateDead
			iss.Status = string(v1.AgentStateDead)
			iss.UpdatedAt = now
			s.markDirty(iss.ID)
		}
	}

	if over := len(agents) - s.cfg.AgentCap; over > 0 {
		// Evict terminal agents, oldest activity first.
		var terminal []*v1.Issue
		for _, a := range agents {
			if v1.IsTerminalAgentStatus(v1.AgentStatus(a.AgentState)) || a.AgentState == v1.AgentStateClosed {
				terminal = append(terminal, a)
			}
		}
		sort.Slice(terminal, func(i, j int) bool {
			li, lj := terminal[i].CreatedAt, terminal[j].CreatedAt
			if terminal[i].LastActivity != nil {
				li = *terminal[i].LastActivity
			}
			if terminal[j].LastActivity != nil {
				lj = *terminal[j].LastActivity
			}
			return li.Before(lj)
		})
		for i := 0; i < over && i < len(terminal); i++ {
			delete(s.issues, terminal[i].ID)
			s.markDeleted(terminal[i].ID)
		}
	}
}
