// Package lifecycle owns the per-task pipeline state machine and every
// verb that starts, replaces, interrupts, steers, or stops agents. The
// actual processes belong to an external supervisor; this package holds
// the orchestration logic between the supervisor, the registry, and the
// task store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/registry"
	"github.com/overmind-sh/overmind/internal/roles"
	"github.com/overmind-sh/overmind/internal/store"
	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

// Supervisor is the external process manager contract.
type Supervisor interface {
	Spawn(ctx context.Context, role, taskID, kickoff string) (agentID string, err error)
	Kill(ctx context.Context, agentID, signal string) error
	OnExit(ctx context.Context, agentID string) (exitCode int, signal string, err error)
}

// MessageDeliverer is an optional supervisor capability: out-of-band
// message delivery into a running agent.
type MessageDeliverer interface {
	DeliverMessage(ctx context.Context, agentID, message, urgency string) error
}

// CompletionGate arms per-agent completion verification when a worker
// spawns and releases it when the agent exits. Implemented by
// verify.Manager.
type CompletionGate interface {
	StartAgent(ctx context.Context, agentID string) error
	DropAgent(agentID string)
}

// Stage is a task's position in the pipeline.
type Stage string

const (
	StageCreated         Stage = "created"
	StageIssuerRunning   Stage = "issuer_running"
	StageWorkerRunning   Stage = "worker_running"
	StageFinisherRunning Stage = "finisher_running"
	StageDeferred        Stage = "deferred"
	StageEscalated       Stage = "escalated"
	StageClosed          Stage = "closed"
)

var (
	// ErrInvalidAction means the signal is not legal for the task's stage.
	ErrInvalidAction = errors.New("invalid lifecycle action for stage")
	// ErrInvalidTarget means the advance target is not allowed for the role.
	ErrInvalidTarget = errors.New("advance target not allowed for role")
	// ErrAgentNotFound means no matching live agent exists.
	ErrAgentNotFound = errors.New("agent not found")
)

// Config holds coordinator tuning.
type Config struct {
	StopWait   time.Duration // bound on waiting for terminal transitions
	PollEvery  time.Duration // registry poll cadence for waits
	KillSignal string        // graceful signal name
}

// DefaultConfig returns default lifecycle tuning.
func DefaultConfig() Config {
	return Config{
		StopWait:   30 * time.Second,
		PollEvery:  25 * time.Millisecond,
		KillSignal: "SIGTERM",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StopWait <= 0 {
		c.StopWait = d.StopWait
	}
	if c.PollEvery <= 0 {
		c.PollEvery = d.PollEvery
	}
	if c.KillSignal == "" {
		c.KillSignal = d.KillSignal
	}
	return c
}

// Coordinator drives task pipelines.
type Coordinator struct {
	cfg      Config
	sup      Supervisor
	store    *store.Store
	registry *registry.Registry
	roles    *roles.Table
	gate     CompletionGate
	log      *logger.Logger

	mu      sync.Mutex
	stages  map[string]Stage  // task id -> pipeline stage
	queued  map[string]string // task id -> message for the next worker spawn
	exitWG  sync.WaitGroup
	closing bool
}

// New creates a coordinator.
func New(cfg Config, sup Supervisor, st *store.Store, reg *registry.Registry, tbl *roles.Table, log *logger.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		sup:      sup,
		store:    st,
		registry: reg,
		roles:    tbl,
		log:      log.WithComponent("lifecycle"),
		stages:   make(map[string]Stage),
		queued:   make(map[string]string),
	}
}

// SetCompletionGate wires the per-agent completion verifier. Set before
// the coordinator starts spawning.
func (c *Coordinator) SetCompletionGate(g CompletionGate) {
	c.gate = g
}

// workerClass reports whether a role's completion comments are gated.
// Designer and fast-worker reuse the worker path.
func workerClass(role string) bool {
	switch role {
	case "worker", "fast-worker", "designer":
		return true
	}
	return false
}

// Stage returns a task's pipeline stage.
func (c *Coordinator) Stage(taskID string) Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stages[taskID]; ok {
		return s
	}
	return StageCreated
}

func (c *Coordinator) setStage(taskID string, s Stage) {
	c.mu.Lock()
	c.stages[taskID] = s
	c.mu.Unlock()
}

// StartPipeline admits a task: spawns its issuer and moves the pipeline
// to issuer_running.
func (c *Coordinator) StartPipeline(ctx context.Context, taskID string) (string, error) {
	agentID, err := c.spawn(ctx, "issuer", taskID, "")
	if err != nil {
		return "", err
	}
	c.setStage(taskID, StageIssuerRunning)
	return agentID, nil
}

// spawn asks the supervisor for a fresh agent, creates its durable
// agent issue, registers it, and watches for its exit. Any message
// queued by a prior interrupt is prepended to a worker's kickoff.
func (c *Coordinator) spawn(ctx context.Context, role, taskID, kickoff string) (string, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return "", errors.New("coordinator is shutting down")
	}
	c.mu.Unlock()

	if role == "worker" {
		c.mu.Lock()
		if queued, ok := c.queued[taskID]; ok {
			delete(c.queued, taskID)
			if kickoff == "" {
				kickoff = queued
			} else {
				kickoff = queued + "\n\n" + kickoff
			}
		}
		c.mu.Unlock()
	}

	agentID, err := c.sup.Spawn(ctx, role, taskID, kickoff)
	if err != nil {
		return "", fmt.Errorf("spawn %s for %s: %w", role, taskID, err)
	}

	issueID := ""
	if agentIssue, err := c.store.CreateAgent(ctx, agentID, v1.AgentKind(role), taskID); err != nil {
		c.log.Warn("agent issue creation failed",
			zap.String("agent_id", agentID), zap.Error(err))
	} else {
		issueID = agentIssue.ID
	}

	c.registry.Register(&registry.AgentInfo{
		ID:           agentID,
		Kind:         v1.AgentKind(role),
		TaskID:       taskID,
		AgentIssueID: issueID,
		State:        v1.AgentStatusSpawning,
	})

	// Every worker generation gets its own baseline; a replacement must
	// not inherit its predecessor's changes as completion evidence.
	if c.gate != nil && workerClass(role) {
		if err := c.gate.StartAgent(ctx, agentID); err != nil {
			c.log.Warn("completion baseline capture failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	c.exitWG.Add(1)
	go c.watchExit(agentID, issueID)

	c.log.Info("agent spawned",
		zap.String("agent_id", agentID),
		zap.String("role", role),
		zap.String("task_id", taskID))
	return agentID, nil
}

// watchExit awaits the supervisor's exit report and reconciles the
// registry and store records.
func (c *Coordinator) watchExit(agentID, issueID string) {
	defer c.exitWG.Done()
	code, signal, err := c.sup.OnExit(context.Background(), agentID)

	state := v1.AgentStatusDone
	switch {
	case err != nil:
		state = v1.AgentStatusDead
	case signal != "":
		state = v1.AgentStatusStopped
	case code != 0:
		state = v1.AgentStatusFailed
	}
	c.registry.SetState(agentID, state)
	if c.gate != nil {
		c.gate.DropAgent(agentID)
	}
	if issueID != "" {
		if serr := c.store.SetAgentState(context.Background(), issueID, v1.AgentState(state)); serr != nil {
			c.log.Debug("agent issue state update failed",
				zap.String("agent_issue_id", issueID), zap.Error(serr))
		}
	}
}

// Advance handles a lifecycle signal from an agent. The advance action
// additionally carries a target role validated against the caller's
// allowed-targets set.
func (c *Coordinator) Advance(ctx context.Context, role, taskID, action, target string) (Stage, error) {
	stage := c.Stage(taskID)

	switch action {
	case "start":
		if stage != StageIssuerRunning && stage != StageCreated {
			return stage, fmt.Errorf("%w: start from %s", ErrInvalidAction, stage)
		}
		if _, err := c.spawn(ctx, "worker", taskID, ""); err != nil {
			return stage, err
		}
		c.setStage(taskID, StageWorkerRunning)

	case "skip":
		if stage != StageIssuerRunning && stage != StageCreated {
			return stage, fmt.Errorf("%w: skip from %s", ErrInvalidAction, stage)
		}
		if _, err := c.spawn(ctx, "finisher", taskID, ""); err != nil {
			return stage, err
		}
		c.setStage(taskID, StageFinisherRunning)

	case "defer":
		status := string(v1.TaskStateDeferred)
		if _, err := c.store.Update(ctx, taskID, store.UpdatePatch{Status: &status}); err != nil {
			return stage, err
		}
		c.setStage(taskID, StageDeferred)

	case "done":
		if stage != StageWorkerRunning {
			return stage, fmt.Errorf("%w: done from %s", ErrInvalidAction, stage)
		}
		if _, err := c.spawn(ctx, "finisher", taskID, ""); err != nil {
			return stage, err
		}
		c.setStage(taskID, StageFinisherRunning)

	case "escalate":
		c.setStage(taskID, StageEscalated)

	case "advance":
		if !c.roles.AdvanceTargetAllowed(role, target) {
			return stage, fmt.Errorf("%w: %s -> %s", ErrInvalidTarget, role, target)
		}
		if _, err := c.spawn(ctx, target, taskID, ""); err != nil {
			return stage, err
		}
		c.setStage(taskID, stageForRole(target))

	case "close":
		if err := c.store.CloseIssue(ctx, taskID, "completed by finisher", role); err != nil {
			return stage, err
		}
		c.setStage(taskID, StageClosed)

	case "reopen":
		status := string(v1.TaskStateOpen)
		if _, err := c.store.Update(ctx, taskID, store.UpdatePatch{Status: &status}); err != nil {
			return stage, err
		}
		c.setStage(taskID, StageCreated)

	default:
		return stage, fmt.Errorf("%w: unknown action %q", ErrInvalidAction, action)
	}

	c.log.Info("lifecycle advanced",
		zap.String("task_id", taskID),
		zap.String("action", action),
		zap.String("target", target),
		zap.String("stage", string(c.Stage(taskID))))
	return c.Stage(taskID), nil
}

func stageForRole(role string) Stage {
	switch role {
	case "finisher":
		return StageFinisherRunning
	case "issuer":
		return StageIssuerRunning
	default:
		return StageWorkerRunning
	}
}

// ReplaceAgent gracefully stops any running agent of the role on the
// task and spawns a fresh one carrying the kickoff context. Spawning is
// idempotent: with no running agent it still spawns.
func (c *Coordinator) ReplaceAgent(ctx context.Context, role, taskID, kickoff string) (string, error) {
	for _, info := range c.registry.GetActiveByTask(taskID) {
		if string(info.Kind) != role {
			continue
		}
		if err := c.stopAgent(ctx, info.ID); err != nil {
			c.log.Warn("graceful stop failed during replace",
				zap.String("agent_id", info.ID), zap.Error(err))
		}
	}
	return c.spawn(ctx, role, taskID, kickoff)
}

// stopAgent signals one agent and awaits its terminal transition.
func (c *Coordinator) stopAgent(ctx context.Context, agentID string) error {
	if err := c.sup.Kill(ctx, agentID, c.cfg.KillSignal); err != nil {
		return err
	}
	_, err := c.awaitTerminal(ctx, agentID, c.cfg.StopWait)
	return err
}

// awaitTerminal polls the registry until the agent leaves the active
// set or the bound elapses. Timeout is reported, not fatal.
func (c *Coordinator) awaitTerminal(ctx context.Context, agentID string, bound time.Duration) (v1.AgentStatus, error) {
	deadline := time.Now().Add(bound)
	ticker := time.NewTicker(c.cfg.PollEvery)
	defer ticker.Stop()
	for {
		info, ok := c.registry.Get(agentID)
		if !ok {
			return v1.AgentStatusDead, nil
		}
		if !info.Active() {
			return info.State, nil
		}
		if time.Now().After(deadline) {
			return info.State, fmt.Errorf("agent %s still active after %s", agentID, bound)
		}
		select {
		case <-ctx.Done():
			return info.State, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StopOptions controls StopAgentsForTask.
type StopOptions struct {
	IncludeFinisher   bool
	WaitForCompletion bool
}

// StopAgentsForTask signals every active agent bound to a task. The
// finisher is spared unless included. With WaitForCompletion the call
// awaits terminal transitions within the bound; stragglers produce a
// warning in the summary, never an error.
func (c *Coordinator) StopAgentsForTask(ctx context.Context, taskID string, opts StopOptions) (string, error) {
	snapshot := c.registry.GetActiveByTask(taskID)

	var stopped, stragglers []string
	for _, info := range snapshot {
		if info.Kind == v1.AgentKindFinisher && !opts.IncludeFinisher {
			continue
		}
		if err := c.sup.Kill(ctx, info.ID, c.cfg.KillSignal); err != nil {
			c.log.Warn("kill failed",
				zap.String("agent_id", info.ID), zap.Error(err))
			continue
		}
		stopped = append(stopped, info.ID)
	}

	if opts.WaitForCompletion {
		for _, id := range stopped {
			if _, err := c.awaitTerminal(ctx, id, c.cfg.StopWait); err != nil {
				stragglers = append(stragglers, id)
			}
		}
	}

	summary := fmt.Sprintf("stopped agents for %s", taskID)
	if len(stragglers) > 0 {
		summary += fmt.Sprintf("; warning: %s did not reach a terminal state within the bound",
			strings.Join(stragglers, ", "))
	}
	return summary, nil
}

// InterruptAgent kills every agent of the task and queues the message
// for delivery on the next worker spawn.
func (c *Coordinator) InterruptAgent(ctx context.Context, taskID, message string) error {
	for _, info := range c.registry.GetActiveByTask(taskID) {
		if err := c.sup.Kill(ctx, info.ID, c.cfg.KillSignal); err != nil {
			c.log.Warn("interrupt kill failed",
				zap.String("agent_id", info.ID), zap.Error(err))
		}
	}
	if message != "" {
		c.mu.Lock()
		c.queued[taskID] = message
		c.mu.Unlock()
	}
	return nil
}

// SteerAgent delivers a message to a running agent without terminating
// it. Delivery goes through the supervisor when it supports messaging;
// the registry event stream carries it otherwise.
func (c *Coordinator) SteerAgent(ctx context.Context, agentID, message string) error {
	info, ok := c.registry.Get(agentID)
	if !ok || !info.Active() {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if d, ok := c.sup.(MessageDeliverer); ok {
		return d.DeliverMessage(ctx, agentID, message, "normal")
	}
	c.registry.PushEvent(agentID, v1.AgentEvent{
		Type: "steering",
		Data: map[string]interface{}{"message": message},
	})
	return nil
}

// Broadcast fans a coordination message out to every active agent of
// the given kinds (all kinds when empty) with an urgency hint. Returns
// the number of recipients.
func (c *Coordinator) Broadcast(ctx context.Context, message, urgency string, kinds []v1.AgentKind) (int, error) {
	if urgency == "" {
		urgency = "normal"
	}
	match := func(k v1.AgentKind) bool {
		if len(kinds) == 0 {
			return k == v1.AgentKindWorker || k == v1.AgentKindFastWorker
		}
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}

	deliverer, canDeliver := c.sup.(MessageDeliverer)
	n := 0
	for _, info := range c.registry.GetActive() {
		if !match(info.Kind) {
			continue
		}
		if canDeliver {
			if err := deliverer.DeliverMessage(ctx, info.ID, message, urgency); err != nil {
				c.log.Warn("broadcast delivery failed",
					zap.String("agent_id", info.ID), zap.Error(err))
				continue
			}
		} else {
			c.registry.PushEvent(info.ID, v1.AgentEvent{
				Type: "broadcast",
				Data: map[string]interface{}{"message": message, "urgency": urgency},
			})
		}
		n++
	}
	return n, nil
}

// WaitForAgent long-polls until the agent is no longer active, bounded
// by the given wait. An unknown agent returns immediately.
func (c *Coordinator) WaitForAgent(ctx context.Context, agentID string, bound time.Duration) (v1.AgentStatus, error) {
	if bound <= 0 {
		bound = c.cfg.StopWait
	}
	state, err := c.awaitTerminal(ctx, agentID, bound)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		// Bounded-wait expiry is informational for long-polls.
		return state, nil
	}
	return state, err
}

// Shutdown stops every active agent and waits for the exit watchers.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	tasks := make(map[string]struct{})
	for _, info := range c.registry.GetActive() {
		tasks[info.TaskID] = struct{}{}
	}
	for taskID := range tasks {
		if _, err := c.StopAgentsForTask(ctx, taskID, StopOptions{IncludeFinisher: true, WaitForCompletion: true}); err != nil {
			c.log.Warn("shutdown stop failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	c.exitWG.Wait()
}
