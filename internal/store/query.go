package store

import (
	"context"
	"sort"
	"strconv"
	"strings"

	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

// naturalLess compares ids treating digit runs numerically, so task-2
// sorts before task-10.
func naturalLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		if isDigit(a[0]) && isDigit(b[0]) {
			aRun, aRest := digitRun(a)
			bRun, bRest := digitRun(b)
			aTrim := strings.TrimLeft(aRun, "0")
			bTrim := strings.TrimLeft(bRun, "0")
			if len(aTrim) != len(bTrim) {
				return len(aTrim) < len(bTrim)
			}
			if aTrim != bTrim {
				return aTrim < bTrim
			}
			a, b = aRest, bRest
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func digitRun(s string) (run, rest string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

// sortIssues orders by (priority asc, id natural).
func sortIssues(issues []*v1.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Priority != issues[j].Priority {
			return issues[i].Priority < issues[j].Priority
		}
		return naturalLess(issues[i].ID, issues[j].ID)
	})
}

// readyLocked computes the ready set: open task-typed issues whose blocking
// dependencies are all closed. Caller need not hold the lock.
func (s *Store) readyLocked() []*v1.Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Issue
	for _, iss := range s.issues {
		if iss.IssueType != v1.IssueTypeTask || iss.Status != string(v1.TaskStateOpen) {
			continue
		}
		if s.hasOpenBlockingDep(iss) {
			continue
		}
		out = append(out, iss.Clone())
	}
	sortIssues(out)
	return out
}

// hasOpenBlockingDep reports whether any blocking dependency is not
// closed. The current status of the target issue wins over the cached row.
func (s *Store) hasOpenBlockingDep(iss *v1.Issue) bool {
	for _, dep := range iss.Deps {
		if !v1.IsBlockingDepType(dep.Type) {
			continue
		}
		status := dep.Status
		if target, ok := s.issues[dep.DependsOnID]; ok {
			status = target.Status
		}
		if status != string(v1.TaskStateClosed) {
			return true
		}
	}
	return false
}

// Ready returns open task-typed issues whose blocking dependencies are all
// closed, sorted by (priority asc, id natural). Type and status filters do
// not apply here.
func (s *Store) Ready(ctx context.Context) ([]*v1.Issue, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return s.readyLocked(), nil
}

// ListOptions filters List.
type ListOptions struct {
	All    bool // include closed
	Status string
	Type   string
	Limit  int
}

// List returns issues honoring the filters. Closed issues are excluded
// unless All is set or an explicit closed status is requested.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*v1.Issue, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Issue
	for _, iss := range s.issues {
		if !opts.All && opts.Status == "" && iss.IsClosed() {
			continue
		}
		if opts.Status != "" && iss.Status != opts.Status {
			continue
		}
		if opts.Type != "" && string(iss.IssueType) != opts.Type {
			continue
		}
		out = append(out, iss.Clone())
	}
	sortIssues(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Show returns a deep clone of an issue with its dependency list
// materialized: cached rows are joined with the current status of each
// dependency at read time.
func (s *Store) Show(ctx context.Context, id string) (*v1.Issue, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	iss, ok := s.issues[id]
	if !ok {
		return nil, notFound(id)
	}
	clone := iss.Clone()
	for i := range clone.Deps {
		if target, exists := s.issues[clone.Deps[i].DependsOnID]; exists {
			clone.Deps[i].Status = target.Status
			clone.Deps[i].Title = target.Title
		}
	}
	return clone, nil
}

// SearchOptions filters Search.
type SearchOptions struct {
	Status          string // open | closed | all
	Limit           int
	IncludeComments bool
}

// Search matches a case-insensitive substring over id, title, description,
// and acceptance criteria, optionally including comment text.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]*v1.Issue, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Issue
	for _, iss := range s.issues {
		switch opts.Status {
		case "", "open":
			if iss.IsClosed() {
				continue
			}
		case "closed":
			if !iss.IsClosed() {
				continue
			}
		case "all":
		}
		if !issueMatches(iss, needle, opts.IncludeComments) {
			continue
		}
		out = append(out, iss.Clone())
	}
	sortIssues(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func issueMatches(iss *v1.Issue, needle string, includeComments bool) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(iss.ID), needle) ||
		strings.Contains(strings.ToLower(iss.Title), needle) ||
		strings.Contains(strings.ToLower(iss.Description), needle) ||
		strings.Contains(strings.ToLower(iss.Acceptance), needle) {
		return true
	}
	if includeComments {
		for _, c := range iss.Comments {
			if strings.Contains(strings.ToLower(c.Text), needle) {
				return true
			}
		}
	}
	return false
}

// Query evaluates the mini query DSL: whitespace-separated terms where
// status=, type=/issue_type=, assignee=, id=, and priority= are equality
// filters and residual free text matches substring-wise.
func (s *Store) Query(ctx context.Context, expr string, opts ListOptions) ([]*v1.Issue, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	var freeText []string
	filters := map[string]string{}
	for _, tok := range strings.Fields(expr) {
		key, val, found := strings.Cut(tok, "=")
		if !found {
			freeText = append(freeText, tok)
			continue
		}
		switch key {
		case "status", "assignee", "id", "priority":
			filters[key] = val
		case "type", "issue_type":
			filters["type"] = val
		default:
			freeText = append(freeText, tok)
		}
	}
	needle := strings.ToLower(strings.Join(freeText, " "))

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Issue
	for _, iss := range s.issues {
		if status, ok := filters["status"]; ok {
			if iss.Status != status {
				continue
			}
		} else if !opts.All && iss.IsClosed() {
			continue
		}
		if typ, ok := filters["type"]; ok && string(iss.IssueType) != typ {
			continue
		}
		if assignee, ok := filters["assignee"]; ok && iss.Assignee != assignee {
			continue
		}
		if id, ok := filters["id"]; ok && iss.ID != id {
			continue
		}
		if prio, ok := filters["priority"]; ok && strconv.Itoa(iss.Priority) != prio {
			continue
		}
		if opts.Type != "" && string(iss.IssueType) != opts.Type {
			continue
		}
		if !issueMatches(iss, needle, true) {
			continue
		}
		out = append(out, iss.Clone())
	}
	sortIssues(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// TreeDirection selects the dependency traversal direction.
type TreeDirection string

const (
	TreeDown TreeDirection = "down" // dependencies of the root
	TreeUp   TreeDirection = "up"   // dependents of the root
	TreeBoth TreeDirection = "both"
)

// TreeOptions configures DepTree.
type TreeOptions struct {
	Direction TreeDirection
	MaxDepth  int
	Status    string // optional status filter on included nodes
}

// TreeNode is one node of a dependency tree.
type TreeNode struct {
	Issue    *v1.Issue   `json:"issue"`
	Children []*TreeNode `json:"children,omitempty"`
	Cycle    bool        `json:"cycle,omitempty"` // node already on this path
}

// Tree is the composite result of DepTree.
type Tree struct {
	Down *TreeNode `json:"down,omitempty"`
	Up   *TreeNode `json:"up,omitempty"`
}

const defaultTreeDepth = 20

// DepTree walks the dependency graph from an issue. Traversal is
// cycle-safe via a seen-set per path.
func (s *Store) DepTree(ctx context.Context, id string, opts TreeOptions) (*Tree, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultTreeDepth
	}
	if opts.Direction == "" {
		opts.Direction = TreeDown
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.issues[id]; !ok {
		return nil, notFound(id)
	}

	// dependents index for upward walks
	dependents := map[string][]string{}
	if opts.Direction == TreeUp || opts.Direction == TreeBoth {
		for otherID, other := range s.issues {
			for _, dep := range other.Deps {
				dependents[dep.DependsOnID] = append(dependents[dep.DependsOnID], otherID)
			}
		}
		for _, ids := range dependents {
			sort.Slice(ids, func(i, j int) bool { return naturalLess(ids[i], ids[j]) })
		}
	}

	tree := &Tree{}
	if opts.Direction == TreeDown || opts.Direction == TreeBoth {
		tree.Down = s.walkTree(id, opts, 0, map[string]bool{}, func(iss *v1.Issue) []string {
			ids := make([]string, 0, len(iss.Deps))
			for _, dep := range iss.Deps {
				ids = append(ids, dep.DependsOnID)
			}
			return ids
		})
	}
	if opts.Direction == TreeUp || opts.Direction == TreeBoth {
		tree.Up = s.walkTree(id, opts, 0, map[string]bool{}, func(iss *v1.Issue) []string {
			return dependents[iss.ID]
		})
	}
	return tree, nil
}

func (s *Store) walkTree(id string, opts TreeOptions, depth int, onPath map[string]bool, next func(*v1.Issue) []string) *TreeNode {
	iss, ok := s.issues[id]
	if !ok {
		return nil
	}
	if opts.Status != "" && depth > 0 && iss.Status != opts.Status {
		return nil
	}
	node := &TreeNode{Issue: iss.Clone()}
	if onPath[id] {
		node.Cycle = true
		return node
	}
	if depth >= opts.MaxDepth {
		return node
	}
	onPath[id] = true
	for _, childID := range next(iss) {
		if child := s.walkTree(childID, opts, depth+1, onPath, next); child != nil {
			node.Children = append(node.Children, child)
		}
	}
	delete(onPath, id)
	return node
}

// Activity returns activity events newest-first. The default and maximum
// page sizes come from configuration.
func (s *Store) Activity(ctx context.Context, limit int) ([]v1.ActivityEvent, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.ActivityLimit
	}
	if limit > s.cfg.ActivityCap {
		limit = s.cfg.ActivityCap
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.activity)
	if limit > n {
		limit = n
	}
	out := make([]v1.ActivityEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.activity[i])
	}
	return out, nil
}
