package v1

import "time"

// AgentKind identifies an agent's function in the pipeline
type AgentKind string

const (
	AgentKindIssuer      AgentKind = "issuer"
	AgentKindWorker      AgentKind = "worker"
	AgentKindFinisher    AgentKind = "finisher"
	AgentKindFastWorker  AgentKind = "fast-worker"
	AgentKindDesigner    AgentKind = "designer"
	AgentKindSteering    AgentKind = "steering"
	AgentKindSingularity AgentKind = "singularity"
	AgentKindResolver    AgentKind = "resolver"
)

// AgentStatus represents the status of a live agent process
type AgentStatus string

const (
	AgentStatusSpawning AgentStatus = "spawning"
	AgentStatusRunning  AgentStatus = "running"
	AgentStatusWorking  AgentStatus = "working"
	AgentStatusStuck    AgentStatus = "stuck"
	AgentStatusDone     AgentStatus = "done"
	AgentStatusFailed   AgentStatus = "failed"
	AgentStatusAborted  AgentStatus = "aborted"
	AgentStatusStopped  AgentStatus = "stopped"
	AgentStatusDead     AgentStatus = "dead"
)

// IsTerminalAgentStatus reports whether the status means the agent is no
// longer doing work. Everything else, including unrecognized strings,
// counts as active.
func IsTerminalAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentStatusDone, AgentStatusFailed, AgentStatusAborted,
		AgentStatusStopped, AgentStatusDead:
		return true
	}
	return false
}

// AgentEvent is one entry in an agent's rolling event buffer
type AgentEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// AgentSummary is the wire shape returned by the agent-listing verbs
type AgentSummary struct {
	ID           string      `json:"id"`
	Kind         AgentKind   `json:"kind"`
	State        AgentStatus `json:"state"`
	TaskID       string      `json:"task_id,omitempty"`
	AgentIssueID string      `json:"agent_issue_id,omitempty"`
	LastActivity time.Time   `json:"last_activity"`
}

// ContentBlock is one block of an agent message. Shapes are open-ended;
// unknown fields ride in the JSON unmodified.
type ContentBlock struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

// AgentMessage is a single message in an agent's conversation
type AgentMessage struct {
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// ToolCallSummary joins an assistant tool_use block with its result
type ToolCallSummary struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Input   map[string]interface{} `json:"input,omitempty"`
	Result  string                 `json:"result,omitempty"`
	IsError bool                   `json:"is_error,omitempty"`
}
