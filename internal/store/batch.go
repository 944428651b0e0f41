package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

// BatchInput is one entry of CreateBatch. DependsOn entries may reference
// other entries by key or existing issues by id.
type BatchInput struct {
	Key         string
	Title       string
	Description string
	Priority    int
	Type        v1.IssueType
	DependsOn   []string
	Labels      []string
	Scope       v1.Scope
	Acceptance  string
}

// BatchResult carries the created issues and the key -> id mapping.
type BatchResult struct {
	Issues []*v1.Issue
	KeyMap map[string]string
}

// CreateBatch creates a set of issues in dependency order. The batch is
// all-or-nothing: any failure rolls back every inserted issue, leaving the
// store byte-identical to its pre-call state.
func (s *Store) CreateBatch(ctx context.Context, inputs []BatchInput, actor string) (*BatchResult, error) {
	var result *BatchResult
	err := s.enqueue(ctx, func() error {
		res, err := s.createBatchLocked(inputs, actor)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) createBatchLocked(inputs []BatchInput, actor string) (*BatchResult, error) {
	if len(inputs) == 0 {
		return nil, ErrEmptyBatch
	}

	byKey := make(map[string]BatchInput, len(inputs))
	for _, in := range inputs {
		if in.Key == "" {
			return nil, fmt.Errorf("%w: entry %q has no key", ErrDuplicateKey, in.Title)
		}
		if _, exists := byKey[in.Key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, in.Key)
		}
		if in.Title == "" {
			return nil, fmt.Errorf("%w (batch key %s)", ErrEmptyTitle, in.Key)
		}
		byKey[in.Key] = in
	}

	// Intra-batch references must resolve to a key or an existing issue.
	s.mu.RLock()
	for _, in := range inputs {
		for _, dep := range in.DependsOn {
			if _, isKey := byKey[dep]; isKey {
				continue
			}
			if _, exists := s.issues[dep]; !exists {
				s.mu.RUnlock()
				return nil, notFound(dep)
			}
		}
	}
	s.mu.RUnlock()

	order, err := topoOrder(inputs, byKey)
	if err != nil {
		return nil, err
	}

	keyMap := make(map[string]string, len(inputs))
	created := make([]*v1.Issue, 0, len(inputs))
	rollback := func() {
		s.mu.Lock()
		for _, iss := range created {
			delete(s.issues, iss.ID)
		}
		s.mu.Unlock()
	}

	for _, in := range order {
		deps := make([]string, 0, len(in.DependsOn))
		for _, dep := range in.DependsOn {
			if id, isKey := keyMap[dep]; isKey {
				deps = append(deps, id)
			} else {
				deps = append(deps, dep)
			}
		}
		iss, err := s.createLocked(in.Title, in.Description, in.Priority, CreateOptions{
			Name:       in.Key,
			Type:       in.Type,
			DependsOn:  deps,
			Labels:     in.Labels,
			Scope:      in.Scope,
			Acceptance: in.Acceptance,
			Actor:      actor,
		})
		if err != nil {
			rollback()
			return nil, fmt.Errorf("batch entry %s: %w", in.Key, err)
		}
		keyMap[in.Key] = iss.ID
		created = append(created, iss)
	}

	s.mu.Lock()
	s.recordActivity(v1.ActivityEvent{
		ID:        uuid.New().String(),
		Type:      v1.ActivityCreateBatch,
		Actor:     s.actorOr(actor),
		CreatedAt: time.Now().UTC(),
		Data:      map[string]interface{}{"count": len(created)},
	})
	s.mu.Unlock()

	cloned := make([]*v1.Issue, len(created))
	for i, iss := range created {
		cloned[i] = iss.Clone()
	}
	return &BatchResult{Issues: cloned, KeyMap: keyMap}, nil
}

// topoOrder sorts batch entries so dependencies precede dependents,
// refusing cycles with an error that names the cycle path.
func topoOrder(inputs []BatchInput, byKey map[string]BatchInput) ([]BatchInput, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(inputs))
	order := make([]BatchInput, 0, len(inputs))

	var visit func(key string, path []string) error
	visit = func(key string, path []string) error {
		switch state[key] {
		case done:
			return nil
		case visiting:
			cycle := append(append([]string(nil), path...), key)
			return fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(cycle, " -> "))
		}
		state[key] = visiting
		in := byKey[key]
		for _, dep := range in.DependsOn {
			if _, isKey := byKey[dep]; !isKey {
				continue // existing issue, already satisfied
			}
			if err := visit(dep, append(path, key)); err != nil {
				return err
			}
		}
		state[key] = done
		order = append(order, in)
		return nil
	}

	for _, in := range inputs {
		if err := visit(in.Key, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
