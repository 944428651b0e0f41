package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

// AgentLabel is forced onto every agent-typed issue.
const AgentLabel = "gt:agent"

// CreateOptions carries the optional fields of Create.
type CreateOptions struct {
	Name       string // preferred slug source; falls back to the title
	Type       v1.IssueType
	DependsOn  []string
	Labels     []string
	Assignee   string
	Scope      v1.Scope
	Acceptance string
	Actor      string
}

// clampPriority clamps a priority into [PriorityMin, PriorityMax].
func clampPriority(p int) int {
	if p < v1.PriorityMin {
		return v1.PriorityMin
	}
	if p > v1.PriorityMax {
		return v1.PriorityMax
	}
	return p
}

// dedupe removes repeated ids, preserving first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *Store) actorOr(actor string) string {
	if actor != "" {
		return actor
	}
	return s.cfg.Actor
}

// Create inserts a new issue. Creation is atomic: a failed dependency
// lookup leaves no trace.
func (s *Store) Create(ctx context.Context, title, description string, priority int, opts CreateOptions) (*v1.Issue, error) {
	var created *v1.Issue
	err := s.enqueue(ctx, func() error {
		iss, err := s.createLocked(title, description, priority, opts)
		if err != nil {
			return err
		}
		created = iss.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// createLocked is the chain-side create. Validation happens before any
// state is touched so failures are trace-free.
func (s *Store) createLocked(title, description string, priority int, opts CreateOptions) (*v1.Issue, error) {
	if title == "" {
		return nil, ErrEmptyTitle
	}

	issueType := opts.Type
	if issueType == "" {
		issueType = v1.IssueTypeTask
	}
	if !validIssueType(issueType) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, issueType)
	}
	if opts.Scope != "" && !v1.IsValidScope(opts.Scope) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScope, opts.Scope)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deps := dedupe(append([]string(nil), opts.DependsOn...))
	for _, depID := range deps {
		if _, ok := s.issues[depID]; !ok {
			return nil, notFound(depID)
		}
	}

	now := time.Now().UTC()
	id := s.newIssueID(opts.Name, title, issueType == v1.IssueTypeAgent)

	labels := append([]string(nil), opts.Labels...)
	if issueType == v1.IssueTypeAgent {
		forced := false
		for _, l := range labels {
			if l == AgentLabel {
				forced = true
				break
			}
		}
		if !forced {
			labels = append(labels, AgentLabel)
		}
	}

	status := string(v1.TaskStateOpen)
	iss := &v1.Issue{
		ID:          id,
		Title:       title,
		Description: description,
		Acceptance:  opts.Acceptance,
		Status:      status,
		Priority:    clampPriority(priority),
		IssueType:   issueType,
		Labels:      labels,
		Assignee:    opts.Assignee,
		Scope:       opts.Scope,
		CreatedAt:   now,
		UpdatedAt:   now,
		DependsOn:   deps,
	}
	if issueType == v1.IssueTypeAgent {
		iss.AgentState = v1.AgentStateSpawning
		iss.Status = string(v1.AgentStateSpawning)
		iss.LastActivity = &now
		iss.AgentLog = &v1.AgentLog{UpdatedAt: now}
	}

	for _, depID := range deps {
		dep := s.issues[depID]
		iss.Deps = append(iss.Deps, v1.Dependency{
			IssueID:     id,
			DependsOnID: depID,
			Type:        v1.DepTypeBlocks,
			Status:      dep.Status,
			Title:       dep.Title,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	s.issues[id] = iss
	s.markDirty(id)
	s.recordActivity(v1.ActivityEvent{
		ID:        uuid.New().String(),
		IssueID:   id,
		Type:      v1.ActivityCreate,
		Actor:     s.actorOr(opts.Actor),
		CreatedAt: now,
		Data:      map[string]interface{}{"title": title, "issue_type": string(issueType)},
	})
	return iss, nil
}

func validIssueType(t v1.IssueType) bool {
	for _, vt := range v1.ValidIssueTypes {
		if vt == t {
			return true
		}
	}
	return false
}

// UpdatePatch describes a partial issue update. Nil fields are untouched.
type UpdatePatch struct {
	Title         *string
	Description   *string
	Acceptance    *string
	Status        *string // alias: newStatus on the wire
	Priority      *int
	Labels        *[]string // replaces the set
	Scope         *string
	Assignee      *string
	ClearAssignee bool
	Claim         bool
	Actor         string
}

// Update applies a patch. Closed issues are immutable; claim requires the
// task to still be open.
func (s *Store) Update(ctx context.Context, id string, patch UpdatePatch) (*v1.Issue, error) {
	var updated *v1.Issue
	err := s.enqueue(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		iss, ok := s.issues[id]
		if !ok {
			return notFound(id)
		}
		if iss.IsClosed() {
			return fmt.Errorf("%s: %w", id, ErrIssueClosed)
		}

		if patch.Claim {
			if iss.Status != string(v1.TaskStateOpen) {
				return fmt.Errorf("%s is %s: %w", id, iss.Status, ErrAlreadyClaimed)
			}
			iss.Status = string(v1.TaskStateInProgress)
			iss.Assignee = s.actorOr(patch.Actor)
		}

		if patch.Status != nil {
			if !v1.IsValidStatus(iss.IssueType, *patch.Status) {
				return fmt.Errorf("%w: %q for %s", ErrInvalidStatus, *patch.Status, iss.IssueType)
			}
			iss.Status = *patch.Status
		}
		if patch.Title != nil {
			if *patch.Title == "" {
				return ErrEmptyTitle
			}
			iss.Title = *patch.Title
		}
		if patch.Description != nil {
			iss.Description = *patch.Description
		}
		if patch.Acceptance != nil {
			iss.Acceptance = *patch.Acceptance
		}
		if patch.Priority != nil {
			iss.Priority = clampPriority(*patch.Priority)
		}
		if patch.Labels != nil {
			iss.Labels = append([]string(nil), (*patch.Labels)...)
		}
		if patch.Scope != nil {
			sc := v1.Scope(*patch.Scope)
			if sc != "" && !v1.IsValidScope(sc) {
				return fmt.Errorf("%w: %s", ErrInvalidScope, sc)
			}
			iss.Scope = sc
		}
		if patch.ClearAssignee {
			iss.Assignee = ""
		} else if patch.Assignee != nil {
			iss.Assignee = *patch.Assignee
		}

		iss.UpdatedAt = time.Now().UTC()
		s.markDirty(id)
		s.recordActivity(v1.ActivityEvent{
			ID:        uuid.New().String(),
			IssueID:   id,
			Type:      v1.ActivityUpdate,
			Actor:     s.actorOr(patch.Actor),
			CreatedAt: iss.UpdatedAt,
		})
		updated = iss.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Close marks an issue closed and re-stamps every cached dependency row on
// other issues that references it, atomically with the closure. The
// propagation shares the closure timestamp so reloads observe one instant.
func (s *Store) CloseIssue(ctx context.Context, id, reason, actor string) error {
	return s.enqueue(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		iss, ok := s.issues[id]
		if !ok {
			return notFound(id)
		}
		if iss.IsClosed() {
			return fmt.Errorf("%s: %w", id, ErrIssueClosed)
		}

		now := time.Now().UTC()
		iss.Status = string(v1.TaskStateClosed)
		iss.ClosedAt = &now
		iss.UpdatedAt = now
		iss.CloseReason = reason
		if iss.IssueType == v1.IssueTypeAgent {
			iss.AgentState = v1.AgentStateClosed
		}
		if reason != "" {
			s.commentSeq++
			iss.Comments = append(iss.Comments, v1.Comment{
				ID:        s.commentSeq,
				IssueID:   id,
				Author:    s.actorOr(actor),
				Text:      "[closed] " + reason,
				CreatedAt: now,
			})
		}
		s.markDirty(id)

		for otherID, other := range s.issues {
			if otherID == id {
				continue
			}
			touched := false
			for i := range other.Deps {
				if other.Deps[i].DependsOnID == id && other.Deps[i].Status != string(v1.TaskStateClosed) {
					other.Deps[i].Status = string(v1.TaskStateClosed)
					other.Deps[i].UpdatedAt = now
					touched = true
				}
			}
			if touched {
				other.UpdatedAt = now
				s.markDirty(otherID)
			}
		}

		s.recordActivity(v1.ActivityEvent{
			ID:        uuid.New().String(),
			IssueID:   id,
			Type:      v1.ActivityClose,
			Actor:     s.actorOr(actor),
			CreatedAt: now,
			Data:      map[string]interface{}{"reason": reason},
		})
		return nil
	})
}

// Comment appends a comment with a store-wide monotone id.
func (s *Store) Comment(ctx context.Context, id, text, author string) (*v1.Comment, error) {
	var out *v1.Comment
	err := s.enqueue(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		iss, ok := s.issues[id]
		if !ok {
			return notFound(id)
		}
		if iss.IsClosed() {
			return fmt.Errorf("%s: %w", id, ErrIssueClosed)
		}

		now := time.Now().UTC()
		s.commentSeq++
		c := v1.Comment{
			ID:        s.commentSeq,
			IssueID:   id,
			Author:    s.actorOr(author),
			Text:      text,
			CreatedAt: now,
		}
		iss.Comments = append(iss.Comments, c)
		iss.UpdatedAt = now
		s.markDirty(id)
		s.recordActivity(v1.ActivityEvent{
			ID:        uuid.New().String(),
			IssueID:   id,
			Type:      v1.ActivityCommentAdd,
			Actor:     c.Author,
			CreatedAt: now,
			Data:      map[string]interface{}{"comment_id": c.ID},
		})
		out = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DepAdd records a dependency edge. Self-dependencies are rejected;
// repeats are idempotent.
func (s *Store) DepAdd(ctx context.Context, id, dependsOnID, actor string) error {
	return s.enqueue(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if id == dependsOnID {
			return fmt.Errorf("%s: %w", id, ErrSelfDependency)
		}
		iss, ok := s.issues[id]
		if !ok {
			return notFound(id)
		}
		dep, ok := s.issues[dependsOnID]
		if !ok {
			return notFound(dependsOnID)
		}
		for _, existing := range iss.Deps {
			if existing.DependsOnID == dependsOnID {
				return nil
			}
		}

		now := time.Now().UTC()
		iss.Deps = append(iss.Deps, v1.Dependency{
			IssueID:     id,
			DependsOnID: dependsOnID,
			Type:        v1.DepTypeBlocks,
			Status:      dep.Status,
			Title:       dep.Title,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		iss.DependsOn = append(iss.DependsOn, dependsOnID)
		iss.UpdatedAt = now
		s.markDirty(id)
		s.recordActivity(v1.ActivityEvent{
			ID:        uuid.New().String(),
			IssueID:   id,
			Type:      v1.ActivityDepAdd,
			Actor:     s.actorOr(actor),
			CreatedAt: now,
			Data:      map[string]interface{}{"depends_on": dependsOnID},
		})
		return nil
	})
}

// Delete removes an issue, its file, its index entry, and every cached
// dependency row on other issues that references it.
func (s *Store) Delete(ctx context.Context, id, actor string) error {
	return s.enqueue(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.issues[id]; !ok {
			return notFound(id)
		}
		delete(s.issues, id)
		s.markDeleted(id)

		for otherID, other := range s.issues {
			touched := false
			kept := other.Deps[:0]
			for _, dep := range other.Deps {
				if dep.DependsOnID == id {
					touched = true
					continue
				}
				kept = append(kept, dep)
			}
			if touched {
				other.Deps = append([]v1.Dependency(nil), kept...)
				keptIDs := other.DependsOn[:0]
				for _, depID := range other.DependsOn {
					if depID != id {
						keptIDs = append(keptIDs, depID)
					}
				}
				other.DependsOn = append([]string(nil), keptIDs...)
				s.markDirty(otherID)
			}
		}

		s.recordActivity(v1.ActivityEvent{
			ID:        uuid.New().String(),
			IssueID:   id,
			Type:      v1.ActivityDelete,
			Actor:     s.actorOr(actor),
			CreatedAt: time.Now().UTC(),
		})
		return nil
	})
}
