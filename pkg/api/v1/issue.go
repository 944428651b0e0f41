package v1

import "time"

// TaskState represents the lifecycle state of a task-typed issue
type TaskState string

const (
	TaskStateOpen       TaskState = "open"
	TaskStateInProgress TaskState = "in_progress"
	TaskStateBlocked    TaskState = "blocked"
	TaskStateDeferred   TaskState = "deferred"
	TaskStateClosed     TaskState = "closed"
)

// AgentState represents the lifecycle state of an agent-typed issue
type AgentState string

const (
	AgentStateSpawning   AgentState = "spawning"
	AgentStateOpen       AgentState = "open"
	AgentStateInProgress AgentState = "in_progress"
	AgentStateWorking    AgentState = "working"
	AgentStateStuck      AgentState = "stuck"
	AgentStateDone       AgentState = "done"
	AgentStateFailed     AgentState = "failed"
	AgentStateAborted    AgentState = "aborted"
	AgentStateStopped    AgentState = "stopped"
	AgentStateDead       AgentState = "dead"
	AgentStateClosed     AgentState = "closed"
)

// IssueType classifies an issue
type IssueType string

const (
	IssueTypeTask         IssueType = "task"
	IssueTypeBug          IssueType = "bug"
	IssueTypeFeature      IssueType = "feature"
	IssueTypeEpic         IssueType = "epic"
	IssueTypeGroup        IssueType = "group"
	IssueTypeNoop         IssueType = "noop"
	IssueTypeChore        IssueType = "chore"
	IssueTypeAgent        IssueType = "agent"
	IssueTypeRole         IssueType = "role"
	IssueTypeRig          IssueType = "rig"
	IssueTypeConvoy       IssueType = "convoy"
	IssueTypeEvent        IssueType = "event"
	IssueTypeSlot         IssueType = "slot"
	IssueTypeMergeRequest IssueType = "merge-request"
	IssueTypeMolecule     IssueType = "molecule"
	IssueTypeGate         IssueType = "gate"
)

// ValidIssueTypes lists every recognized issue type.
var ValidIssueTypes = []IssueType{
	IssueTypeTask, IssueTypeBug, IssueTypeFeature, IssueTypeEpic,
	IssueTypeGroup, IssueTypeNoop, IssueTypeChore, IssueTypeAgent,
	IssueTypeRole, IssueTypeRig, IssueTypeConvoy, IssueTypeEvent,
	IssueTypeSlot, IssueTypeMergeRequest, IssueTypeMolecule, IssueTypeGate,
}

// Scope is an optional size estimate for an issue
type Scope string

const (
	ScopeTiny   Scope = "tiny"
	ScopeSmall  Scope = "small"
	ScopeMedium Scope = "medium"
	ScopeLarge  Scope = "large"
	ScopeXLarge Scope = "xlarge"
)

// ValidScopes lists every recognized scope value.
var ValidScopes = []Scope{ScopeTiny, ScopeSmall, ScopeMedium, ScopeLarge, ScopeXLarge}

// Dependency type constants. Blocking types gate scheduling.
const (
	DepTypeBlocks      = "blocks"
	DepTypeParentChild = "parent-child"
	DepTypeRelated     = "related"
)

// Priority bounds. Values outside are clamped, not rejected.
const (
	PriorityMin = 0
	PriorityMax = 4
)

// Dependency is the cached record of an edge from one issue to another.
// Status is denormalized and re-stamped when the target closes.
type Dependency struct {
	IssueID     string    `json:"issue_id"`
	DependsOnID string    `json:"depends_on_id"`
	Type        string    `json:"dep_type,omitempty"`
	Status      string    `json:"status"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Comment is an append-only note on an issue
type Comment struct {
	ID        int64     `json:"id"`
	IssueID   string    `json:"issue_id"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage aggregates token and cost accounting for an agent or task
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add folds another usage sample into the total.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
}

// AgentLog is the durable per-agent record embedded in an agent issue.
// Message bodies are intentionally not persisted; only the task binding
// and usage totals survive a restart.
type AgentLog struct {
	TaskID    string    `json:"task_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Usage     Usage     `json:"usage"`
}

// Issue is the persistent unit of work tracked by the task store
type Issue struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Acceptance  string       `json:"acceptance_criteria,omitempty"`
	Status      string       `json:"status"`
	Priority    int          `json:"priority"`
	IssueType   IssueType    `json:"issue_type"`
	Labels      []string     `json:"labels,omitempty"`
	Assignee    string       `json:"assignee,omitempty"`
	Scope       Scope        `json:"scope,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ClosedAt    *time.Time   `json:"closed_at,omitempty"`
	CloseReason string       `json:"close_reason,omitempty"`
	Comments    []Comment    `json:"comments,omitempty"`
	Deps        []Dependency `json:"dependencies,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	References  []string     `json:"references,omitempty"`

	// Agent-typed issues only
	AgentState   AgentState        `json:"agent_state,omitempty"`
	LastActivity *time.Time        `json:"last_activity,omitempty"`
	SlotBindings map[string]string `json:"slot_bindings,omitempty"`
	UsageTotals  *Usage            `json:"usage_totals,omitempty"`
	AgentLog     *AgentLog         `json:"__agent_log,omitempty"`
}

// DependencyCount returns the number of cached dependency records.
func (i *Issue) DependencyCount() int { return len(i.Deps) }

// IsClosed reports whether the issue is in its terminal state.
func (i *Issue) IsClosed() bool { return i.Status == string(TaskStateClosed) }

// HasLabel reports whether the issue carries the given label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the issue.
func (i *Issue) Clone() *Issue {
	c := *i
	if i.Labels != nil {
		c.Labels = append([]string(nil), i.Labels...)
	}
	if i.Comments != nil {
		c.Comments = append([]Comment(nil), i.Comments...)
	}
	if i.Deps != nil {
		c.Deps = append([]Dependency(nil), i.Deps...)
	}
	if i.DependsOn != nil {
		c.DependsOn = append([]string(nil), i.DependsOn...)
	}
	if i.References != nil {
		c.References = append([]string(nil), i.References...)
	}
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		c.ClosedAt = &t
	}
	if i.LastActivity != nil {
		t := *i.LastActivity
		c.LastActivity = &t
	}
	if i.SlotBindings != nil {
		c.SlotBindings = make(map[string]string, len(i.SlotBindings))
		for k, v := range i.SlotBindings {
			c.SlotBindings[k] = v
		}
	}
	if i.UsageTotals != nil {
		u := *i.UsageTotals
		c.UsageTotals = &u
	}
	if i.AgentLog != nil {
		l := *i.AgentLog
		c.AgentLog = &l
	}
	return &c
}

// ValidTaskStates enumerates states legal for non-agent issues.
var ValidTaskStates = []TaskState{
	TaskStateOpen, TaskStateInProgress, TaskStateBlocked,
	TaskStateDeferred, TaskStateClosed,
}

// ValidAgentStates enumerates states legal for agent issues.
var ValidAgentStates = []AgentState{
	AgentStateSpawning, AgentStateOpen, AgentStateInProgress,
	AgentStateWorking, AgentStateStuck, AgentStateDone, AgentStateFailed,
	AgentStateAborted, AgentStateStopped, AgentStateDead, AgentStateClosed,
}

// IsValidStatus reports whether status is legal for the given issue type.
func IsValidStatus(t IssueType, status string) bool {
	if t == IssueTypeAgent {
		for _, s := range ValidAgentStates {
			if string(s) == status {
				return true
			}
		}
		return false
	}
	for _, s := range ValidTaskStates {
		if string(s) == status {
			return true
		}
	}
	return false
}

// IsValidScope reports whether the scope value is recognized.
func IsValidScope(s Scope) bool {
	for _, v := range ValidScopes {
		if v == s {
			return true
		}
	}
	return false
}

// IsBlockingDepType reports whether a dependency of this type gates
// scheduling. An unspecified type is treated as blocking.
func IsBlockingDepType(depType string) bool {
	return depType == "" || depType == DepTypeBlocks || depType == DepTypeParentChild
}

// ActivityType classifies an activity event
type ActivityType string

const (
	ActivityCreate      ActivityType = "create"
	ActivityUpdate      ActivityType = "update"
	ActivityClose       ActivityType = "close"
	ActivityCommentAdd  ActivityType = "comment_add"
	ActivityDepAdd      ActivityType = "dep_add"
	ActivityLabelAdd    ActivityType = "label_add"
	ActivityAgentState  ActivityType = "agent_state"
	ActivitySlotSet     ActivityType = "slot_set"
	ActivitySlotClear   ActivityType = "slot_clear"
	ActivityDelete      ActivityType = "delete"
	ActivityCreateBatch ActivityType = "create_batch"
)

// ActivityEvent is an append-only audit record. Events are created once
// and never mutated.
type ActivityEvent struct {
	ID        string                 `json:"id"`
	IssueID   string                 `json:"issue_id,omitempty"`
	Type      ActivityType           `json:"event_type"`
	Actor     string                 `json:"actor,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
