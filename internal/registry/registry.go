// Package registry maintains the volatile records of live agents and
// fans their events out to subscribers. Durable agent state lives in the
// task store as agent-typed issues; the registry is RAM only.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/logger"
	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

// MessageSource is a live handle into a running agent's conversation.
// The process supervisor attaches one at spawn time; it disappears when
// the child dies.
type MessageSource interface {
	RecentMessages(limit int) ([]v1.AgentMessage, error)
}

// AgentInfo is the registry record for one live agent.
type AgentInfo struct {
	ID           string
	Kind         v1.AgentKind
	TaskID       string
	AgentIssueID string
	State        v1.AgentStatus
	LastActivity time.Time
	Events       []v1.AgentEvent
	Handle       MessageSource    // nil once the child is gone
	Buffer       []v1.AgentMessage // transient fallback, never persisted
}

// Active reports whether the agent is still doing work. Unrecognized
// state strings count as active.
func (a *AgentInfo) Active() bool {
	return !v1.IsTerminalAgentStatus(a.State)
}

func (a *AgentInfo) snapshot() *AgentInfo {
	cp := *a
	cp.Events = append([]v1.AgentEvent(nil), a.Events...)
	cp.Buffer = append([]v1.AgentMessage(nil), a.Buffer...)
	return &cp
}

// Listener receives every event pushed for any agent.
type Listener func(agentID string, event v1.AgentEvent)

// Config holds registry tuning.
type Config struct {
	MaxEvents         int           // per-agent event ring cap
	HistoryLimit      int           // clamp for message history reads
	HeartbeatInterval time.Duration // store heartbeat tick
}

// DefaultConfig returns default registry tuning.
func DefaultConfig() Config {
	return Config{
		MaxEvents:         100,
		HistoryLimit:      50,
		HeartbeatInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEvents <= 0 {
		c.MaxEvents = d.MaxEvents
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	return c
}

// Registry tracks live agents.
type Registry struct {
	cfg Config
	log *logger.Logger

	mu        sync.RWMutex
	agents    map[string]*AgentInfo
	byTask    map[string]map[string]struct{}
	listeners map[int]Listener
	nextSub   int

	hbStop chan struct{}
	hbDone chan struct{}
	hbOnce sync.Once
}

// New creates an empty registry.
func New(cfg Config, log *logger.Logger) *Registry {
	return &Registry{
		cfg:       cfg.withDefaults(),
		log:       log.WithComponent("registry"),
		agents:    make(map[string]*AgentInfo),
		byTask:    make(map[string]map[string]struct{}),
		listeners: make(map[int]Listener),
	}
}

// Register upserts an agent record. When the incoming record carries an
// explicit event buffer it is merged after the existing one; a task id
// transition re-indexes the by-task set.
func (r *Registry) Register(info *AgentInfo) {
	if info == nil || info.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.agents[info.ID]
	if !ok {
		stored := info.snapshot()
		if stored.LastActivity.IsZero() {
			stored.LastActivity = time.Now().UTC()
		}
		r.agents[info.ID] = stored
		r.indexTask(stored.ID, "", stored.TaskID)
		r.log.Info("agent registered",
			zap.String("agent_id", info.ID),
			zap.String("kind", string(info.Kind)),
			zap.String("task_id", info.TaskID))
		return
	}

	oldTask := existing.TaskID
	existing.Kind = info.Kind
	existing.TaskID = info.TaskID
	if info.AgentIssueID != "" {
		existing.AgentIssueID = info.AgentIssueID
	}
	if info.State != "" {
		existing.State = info.State
	}
	if !info.LastActivity.IsZero() && info.LastActivity.After(existing.LastActivity) {
		existing.LastActivity = info.LastActivity
	}
	if info.Handle != nil {
		existing.Handle = info.Handle
	}
	if len(info.Events) > 0 {
		existing.Events = append(existing.Events, info.Events...)
		existing.Events = trimEvents(existing.Events, r.cfg.MaxEvents)
	}
	if info.Buffer != nil {
		existing.Buffer = append([]v1.AgentMessage(nil), info.Buffer...)
	}
	r.indexTask(existing.ID, oldTask, existing.TaskID)
}

// indexTask moves an agent between by-task sets. Caller holds the lock.
func (r *Registry) indexTask(agentID, oldTask, newTask string) {
	if oldTask == newTask && oldTask != "" {
		return
	}
	if oldTask != "" {
		if set := r.byTask[oldTask]; set != nil {
			delete(set, agentID)
			if len(set) == 0 {
				delete(r.byTask, oldTask)
			}
		}
	}
	if newTask != "" {
		set := r.byTask[newTask]
		if set == nil {
			set = make(map[string]struct{})
			r.byTask[newTask] = set
		}
		set[agentID] = struct{}{}
	}
}

// Remove drops an agent record.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[id]
	if !ok {
		return
	}
	delete(r.agents, id)
	r.indexTask(id, info.TaskID, "")
	r.log.Info("agent removed", zap.String("agent_id", id))
}

// Get returns a snapshot of one agent record.
func (r *Registry) Get(id string) (*AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return info.snapshot(), true
}

// SetState transitions an agent's volatile state and bumps last-activity.
func (r *Registry) SetState(id string, state v1.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.agents[id]; ok {
		info.State = state
		info.LastActivity = time.Now().UTC()
	}
}

// SetHandle attaches or clears the live message handle for an agent.
func (r *Registry) SetHandle(id string, handle MessageSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.agents[id]; ok {
		info.Handle = handle
	}
}

// GetByTask returns snapshots of every agent bound to a task.
func (r *Registry) GetByTask(taskID string) []*AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectTask(taskID, false)
}

// GetActiveByTask returns snapshots of the task's non-terminal agents.
func (r *Registry) GetActiveByTask(taskID string) []*AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectTask(taskID, true)
}

func (r *Registry) collectTask(taskID string, activeOnly bool) []*AgentInfo {
	var out []*AgentInfo
	for agentID := range r.byTask[taskID] {
		info := r.agents[agentID]
		if info == nil {
			continue
		}
		if activeOnly && !info.Active() {
			continue
		}
		out = append(out, info.snapshot())
	}
	return out
}

// GetByKind returns snapshots of every agent of a kind.
func (r *Registry) GetByKind(kind v1.AgentKind) []*AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentInfo
	for _, info := range r.agents {
		if info.Kind == kind {
			out = append(out, info.snapshot())
		}
	}
	return out
}

// GetActive returns snapshots of every non-terminal agent.
func (r *Registry) GetActive() []*AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentInfo
	for _, info := range r.agents {
		if info.Active() {
			out = append(out, info.snapshot())
		}
	}
	return out
}

// Summaries returns wire summaries for the given records.
func Summaries(infos []*AgentInfo) []v1.AgentSummary {
	out := make([]v1.AgentSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, v1.AgentSummary{
			ID:           info.ID,
			Kind:         info.Kind,
			State:        info.State,
			TaskID:       info.TaskID,
			AgentIssueID: info.AgentIssueID,
			LastActivity: info.LastActivity,
		})
	}
	return out
}

// PushEvent appends an event to an agent's ring, advances last-activity
// to the max of current and the event timestamp, and notifies
// subscribers. A panicking listener is swallowed.
func (r *Registry) PushEvent(id string, event v1.AgentEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	info, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	info.Events = append(info.Events, event)
	info.Events = trimEvents(info.Events, r.cfg.MaxEvents)
	if event.Timestamp.After(info.LastActivity) {
		info.LastActivity = event.Timestamp
	}
	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		r.notify(l, id, event)
	}
}

func (r *Registry) notify(l Listener, id string, event v1.AgentEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("agent event listener panicked",
				zap.String("agent_id", id),
				zap.Any("panic", rec))
		}
	}()
	l(id, event)
}

func trimEvents(events []v1.AgentEvent, max int) []v1.AgentEvent {
	if over := len(events) - max; over > 0 {
		events = events[over:]
	}
	return events
}

// Subscribe registers a listener for all agent events. The returned
// function unsubscribes.
func (r *Registry) Subscribe(l Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}
