package ipc

import (
	"context"
	"fmt"
	"time"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/conflict"
	"github.com/overmind-sh/overmind/internal/guard"
	"github.com/overmind-sh/overmind/internal/lifecycle"
	"github.com/overmind-sh/overmind/internal/registry"
	"github.com/overmind-sh/overmind/internal/roles"
	"github.com/overmind-sh/overmind/internal/store"
	"github.com/overmind-sh/overmind/internal/verify"
	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
	"github.com/overmind-sh/overmind/pkg/ipc"
)

// Admitter runs the admission loop. Implemented by the orchestrator.
type Admitter interface {
	StartTasks(ctx context.Context, count int) (spawned int, taskIDs []string, err error)
}

// Deps wires the router's handlers to the rest of the service.
type Deps struct {
	Store     *store.Store
	Registry  *registry.Registry
	Lifecycle *lifecycle.Coordinator
	Conflict  *conflict.Coordinator
	Roles     *roles.Table
	Admitter  Admitter
	Verifier  *verify.Manager // optional; per-agent worker completion gates
	WaitBound time.Duration // server-side bound for wait_for_agent
	Log       *logger.Logger
}

// BuildRouter registers every verb.
func BuildRouter(d Deps) *Router {
	if d.WaitBound <= 0 {
		d.WaitBound = 10 * time.Minute
	}
	r := NewRouter(d.Log)

	r.Register("start_tasks", d.handleStartTasks)
	r.Register("tasks_request", d.handleTasksRequest)
	r.Register("advance_lifecycle", d.advanceAs(""))
	r.Register("replace_agent", d.handleReplaceAgent)
	r.Register("interrupt_agent", d.handleInterruptAgent)
	r.Register("steer_agent", d.handleSteerAgent)
	r.Register("complain", d.handleComplain)
	r.Register("revoke_complaint", d.handleRevokeComplaint)
	r.Register("wait_for_agent", d.handleWaitForAgent)
	r.Register("stop_agents_for_task", d.handleStopAgentsForTask)
	r.Register("list_active_agents", d.handleListActiveAgents)
	r.Register("list_task_agents", d.handleListTaskAgents)
	r.Register("read_message_history", d.handleReadMessageHistory)
	r.Register("broadcast", d.handleBroadcast)
	r.Register("bash_check", d.handleBashCheck)
	r.Register("record_write_intent", d.handleRecordWriteIntent)

	// Role-specific variants share the general paths with a pinned role.
	r.Register("fast_worker_advance_lifecycle", d.advanceAs("fast-worker"))
	r.Register("issuer_advance_lifecycle", d.advanceAs("issuer"))
	r.Register("fast_worker_close_task", d.closeAs("fast-worker"))
	r.Register("finisher_close_task", d.closeAs("finisher"))
	r.Register("merger_complete", d.handleMergerComplete)
	r.Register("merger_conflict", d.handleMergerConflict)

	return r
}

// taskID resolves the task a verb targets.
func taskID(req *ipc.Request) string {
	if req.TaskID != "" {
		return req.TaskID
	}
	return req.DefaultTaskID
}

func (d Deps) handleStartTasks(ctx context.Context, req *ipc.Request) *ipc.Response {
	count := req.Count
	if count <= 0 {
		count = 1
	}
	spawned, ids, err := d.Admitter.StartTasks(ctx, count)
	if err != nil {
		return ipc.Errf(err.Error())
	}
	return ipc.OkData(map[string]interface{}{
		"spawned": spawned,
		"taskIds": ids,
	})
}

func (d Deps) advanceAs(pinnedRole string) Handler {
	return func(ctx context.Context, req *ipc.Request) *ipc.Response {
		role := pinnedRole
		if role == "" {
			role = req.Role
		}
		task := taskID(req)
		if task == "" {
			return ipc.Errf("advance_lifecycle: task id required")
		}
		stage, err := d.Lifecycle.Advance(ctx, role, task, req.Action, req.Target)
		if err != nil {
			return ipc.Errf(err.Error())
		}
		return &ipc.Response{OK: true,
			Summary: fmt.Sprintf("%s -> %s", req.Action, stage),
			Data:    map[string]interface{}{"stage": string(stage)}}
	}
}

func (d Deps) closeAs(pinnedRole string) Handler {
	return func(ctx context.Context, req *ipc.Request) *ipc.Response {
		task := taskID(req)
		if task == "" {
			return ipc.Errf("close_task: task id required")
		}
		reason := req.Reason
		if reason == "" {
			reason = "completed by " + pinnedRole
		}
		actor := req.Actor
		if actor == "" {
			actor = pinnedRole
		}
		if err := d.Store.CloseIssue(ctx, task, reason, actor); err != nil {
			return ipc.Errf(err.Error())
		}
		return ipc.Okf(fmt.Sprintf("closed %s", task))
	}
}

func (d Deps) handleReplaceAgent(ctx context.Context, req *ipc.Request) *ipc.Response {
	task := taskID(req)
	if task == "" {
		return ipc.Errf("replace_agent: task id required")
	}
	role := req.Target
	if role == "" {
		role = getString(req.Params, "role")
	}
	if role == "" {
		role = "worker"
	}
	agentID, err := d.Lifecycle.ReplaceAgent(ctx, role, task, req.Context)
	if err != nil {
		return ipc.Errf(err.Error())
	}
	return &ipc.Response{OK: true,
		Summary: fmt.Sprintf("replaced %s for %s", role, task),
		Data:    map[string]interface{}{"agent_id": agentID}}
}

func (d Deps) handleInterruptAgent(ctx context.Context, req *ipc.Request) *ipc.Response {
	task := taskID(req)
	if task == "" {
		return ipc.Errf("interrupt_agent: task id required")
	}
	if err := d.Lifecycle.InterruptAgent(ctx, task, req.Message); err != nil {
		return ipc.Errf(err.Error())
	}
	return &ipc.Response{OK: true}
}

func (d Deps) handleSteerAgent(ctx context.Context, req *ipc.Request) *ipc.Response {
	agentID := req.AgentID
	if agentID == "" {
		agentID = getString(req.Params, "agent_id")
	}
	if agentID == "" {
		return ipc.Errf("steer_agent: agent id required")
	}
	if err := d.Lifecycle.SteerAgent(ctx, agentID, req.Message); err != nil {
		return ipc.Errf(err.Error())
	}
	return ipc.Okf("message delivered")
}

func (d Deps) handleComplain(ctx context.Context, req *ipc.Request) *ipc.Response {
	results, err := d.Conflict.Complain(ctx, conflict.Complaint{
		Files:              req.Files,
		Reason:             req.Reason,
		ComplainantAgentID: req.AgentID,
		ComplainantTaskID:  taskID(req),
	})
	if err != nil {
		return ipc.Errf(err.Error())
	}
	return ipc.OkData(map[string]interface{}{"results": results})
}

func (d Deps) handleRevokeComplaint(ctx context.Context, req *ipc.Request) *ipc.Response {
	affected, err := d.Conflict.RevokeComplaint(req.AgentID, req.Files)
	if err != nil {
		return ipc.Errf(err.Error())
	}
	return ipc.OkData(map[string]interface{}{"released": affected})
}

func (d Deps) handleWaitForAgent(ctx context.Context, req *ipc.Request) *ipc.Response {
	agentID := req.AgentID
	if agentID == "" {
		agentID = getString(req.Params, "agent_id")
	}
	if agentID == "" {
		return ipc.Errf("wait_for_agent: agent id required")
	}
	state, err := d.Lifecycle.WaitForAgent(ctx, agentID, d.WaitBound)
	if err != nil {
		return ipc.Errf(err.Error())
	}
	return ipc.OkData(map[string]interface{}{"state": string(state)})
}

func (d Deps) handleStopAgentsForTask(ctx context.Context, req *ipc.Request) *ipc.Response {
	task := taskID(req)
	if task == "" {
		return ipc.Errf("stop_agents_for_task: task id required")
	}
	summary, err := d.Lifecycle.StopAgentsForTask(ctx, task, lifecycle.StopOptions{
		IncludeFinisher:   req.IncludeFinisher,
		WaitForCompletion: req.WaitForCompletion,
	})
	if err != nil {
		return ipc.Errf(err.Error())
	}
	return ipc.Okf(summary)
}

func (d Deps) handleListActiveAgents(ctx context.Context, req *ipc.Request) *ipc.Response {
	return ipc.OkData(map[string]interface{}{
		"agents": registry.Summaries(d.Registry.GetActive()),
	})
}

func (d Deps) handleListTaskAgents(ctx context.Context, req *ipc.Request) *ipc.Response {
	task := taskID(req)
	if task == "" {
		return ipc.Errf("list_task_agents: task id required")
	}
	return ipc.OkData(map[string]interface{}{
		"agents": registry.Summaries(d.Registry.GetByTask(task)),
	})
}

func (d Deps) handleReadMessageHistory(ctx context.Context, req *ipc.Request) *ipc.Response {
	agentID := req.AgentID
	if agentID == "" {
		agentID = getString(req.Params, "agent_id")
	}
	if agentID == "" {
		return ipc.Errf("read_message_history: agent id required")
	}
	hist, err := d.Registry.ReadMessageHistory(agentID, req.Limit)
	if err != nil {
		return ipc.Errf(err.Error())
	}
	return ipc.OkData(hist)
}

func (d Deps) handleBroadcast(ctx context.Context, req *ipc.Request) *ipc.Response {
	n, err := d.Lifecycle.Broadcast(ctx, req.Message, req.Urgency, nil)
	if err != nil {
		return ipc.Errf(err.Error())
	}
	return &ipc.Response{OK: true,
		Summary: fmt.Sprintf("broadcast to %d agents", n),
		Data:    map[string]interface{}{"recipients": n}}
}

// handleBashCheck serves the agent-side pre-tool hook: may this role
// run this shell command. The rejection text is surfaced to the agent
// through its tool-call rejection channel.
func (d Deps) handleBashCheck(ctx context.Context, req *ipc.Request) *ipc.Response {
	command := getString(req.Params, "command")
	if command == "" {
		command = req.Message
	}
	if err := guard.Check(req.Role, command); err != nil {
		return ipc.Errf(err.Error())
	}
	return &ipc.Response{OK: true}
}

// handleRecordWriteIntent lets the agent-side edit/write hook report a
// path about to change, extending the calling agent's baseline to the
// pre-edit state. Agents without an armed gate are a no-op.
func (d Deps) handleRecordWriteIntent(ctx context.Context, req *ipc.Request) *ipc.Response {
	paths := req.Files
	if p := getString(req.Params, "path"); p != "" {
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return ipc.Errf("record_write_intent: path required")
	}
	if d.Verifier == nil {
		return &ipc.Response{OK: true}
	}
	v := d.Verifier.For(req.AgentID)
	if v == nil {
		return &ipc.Response{OK: true}
	}
	for _, p := range paths {
		v.RecordWriteIntent(p)
	}
	return &ipc.Response{OK: true}
}

func (d Deps) handleMergerComplete(ctx context.Context, req *ipc.Request) *ipc.Response {
	task := taskID(req)
	if task == "" {
		return ipc.Errf("merger_complete: task id required")
	}
	stage, err := d.Lifecycle.Advance(ctx, "merger", task, "done", "")
	if err != nil {
		return ipc.Errf(err.Error())
	}
	return &ipc.Response{OK: true,
		Summary: "merge recorded",
		Data:    map[string]interface{}{"stage": string(stage)}}
}

func (d Deps) handleMergerConflict(ctx context.Context, req *ipc.Request) *ipc.Response {
	results, err := d.Conflict.Complain(ctx, conflict.Complaint{
		Files:              req.Files,
		Reason:             req.Reason,
		ComplainantAgentID: req.AgentID,
		ComplainantTaskID:  taskID(req),
	})
	if err != nil {
		return ipc.Errf(err.Error())
	}
	return ipc.OkData(map[string]interface{}{"results": results})
}

// typesData is the static metadata served by the types action.
func typesData() map[string]interface{} {
	return map[string]interface{}{
		"issue_types": v1.ValidIssueTypes,
		"task_statuses": []v1.TaskState{
			v1.TaskStateOpen, v1.TaskStateInProgress, v1.TaskStateBlocked,
			v1.TaskStateDeferred, v1.TaskStateClosed,
		},
		"agent_states": []v1.AgentState{
			v1.AgentStateSpawning, v1.AgentStateOpen, v1.AgentStateInProgress,
			v1.AgentStateWorking, v1.AgentStateStuck, v1.AgentStateDone,
			v1.AgentStateFailed, v1.AgentStateAborted, v1.AgentStateStopped,
			v1.AgentStateDead, v1.AgentStateClosed,
		},
		"priorities": map[string]int{"min": v1.PriorityMin, "max": v1.PriorityMax},
	}
}
