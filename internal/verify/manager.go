package verify

import (
	"context"
	"sync"

	"github.com/overmind-sh/overmind/internal/common/logger"
)

// Manager scopes verifiers per agent. Each worker is armed with its own
// baseline at spawn time and its own write-intent set, and the entry is
// dropped when the agent exits, so a replacement worker never inherits
// its predecessor's changes as evidence.
type Manager struct {
	root   string
	status func() StatusRunner
	log    *logger.Logger

	mu      sync.Mutex
	byAgent map[string]*Verifier
}

// NewManager creates a manager whose verifiers shell out to git in root.
func NewManager(root string, log *logger.Logger) *Manager {
	return NewManagerWithStatus(root, func() StatusRunner { return gitStatus{root: root} }, log)
}

// NewManagerWithStatus creates a manager with a custom status source.
func NewManagerWithStatus(root string, status func() StatusRunner, log *logger.Logger) *Manager {
	return &Manager{
		root:    root,
		status:  status,
		log:     log,
		byAgent: make(map[string]*Verifier),
	}
}

// StartAgent arms the completion gate for an agent: a fresh verifier
// with the baseline captured now. Re-arming an id replaces its verifier.
func (m *Manager) StartAgent(ctx context.Context, agentID string) error {
	v := NewWithStatus(m.root, m.status(), m.log)
	if err := v.CaptureBaseline(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.byAgent[agentID] = v
	m.mu.Unlock()
	return nil
}

// DropAgent discards an agent's verifier. Unknown ids are a no-op.
func (m *Manager) DropAgent(agentID string) {
	m.mu.Lock()
	delete(m.byAgent, agentID)
	m.mu.Unlock()
}

// For returns the agent's verifier, or nil while the gate is not armed.
func (m *Manager) For(agentID string) *Verifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byAgent[agentID]
}
