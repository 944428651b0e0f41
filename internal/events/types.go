// Package events provides event types and utilities for the Overmind
// event system.
package events

// Subjects for store fan-out. UI and lifecycle listeners subscribe here.
const (
	SubjectIssuesChanged = "issues.changed"
	SubjectReadyChanged  = "issues.ready"
	SubjectActivity      = "issues.activity"
)

// Event types for issues
const (
	IssuesChanged = "issues-changed"
	ReadyChanged  = "ready-changed"
	Activity      = "activity"
)

// Event types for agents
const (
	AgentSpawned    = "agent.spawned"
	AgentStopped    = "agent.stopped"
	AgentReplaced   = "agent.replaced"
	AgentSteered    = "agent.steered"
	AgentInterrupt  = "agent.interrupted"
	AgentBroadcast  = "agent.broadcast"
	ComplaintOpened = "complaint.opened"
	ComplaintClosed = "complaint.closed"
)
