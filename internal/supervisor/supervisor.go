// Package supervisor launches agent processes for the lifecycle
// coordinator. Each agent is one child process of the configured
// command, handed its identity through the contract environment
// variables and its kickoff context on stdin.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/pkg/ipc"
)

// ErrNoCommand means no agent command is configured.
var ErrNoCommand = errors.New("no agent command configured")

// ErrUnknownAgent means the agent id does not map to a live child.
var ErrUnknownAgent = errors.New("unknown agent process")

// Config describes the agent launch command and its environment.
type Config struct {
	Command    string   // binary to exec per agent; empty disables spawning
	Args       []string // fixed arguments, given before the role
	SocketPath string   // exported as the IPC socket variable
	SessionDir string   // exported so agents find the session
}

type child struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{} // closed when Wait returns
	code  int
	sig   string
	err   error
}

// Supervisor runs agent child processes.
type Supervisor struct {
	cfg Config
	log *logger.Logger

	mu       sync.Mutex
	children map[string]*child
}

// New creates a process supervisor.
func New(cfg Config, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		log:      log.WithComponent("supervisor"),
		children: make(map[string]*child),
	}
}

// Spawn launches one agent process. The kickoff context is written to
// the child's stdin; stdin stays open for later message delivery.
func (s *Supervisor) Spawn(ctx context.Context, role, taskID, kickoff string) (string, error) {
	if s.cfg.Command == "" {
		return "", ErrNoCommand
	}
	agentID := "agent-" + uuid.New().String()[:8]

	args := append(append([]string(nil), s.cfg.Args...), role)
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Env = append(os.Environ(),
		ipc.SocketEnv+"="+s.cfg.SocketPath,
		"OVERMIND_SESSION_DIR="+s.cfg.SessionDir,
		"OVERMIND_TASK_ID="+taskID,
		"OVERMIND_AGENT_ID="+agentID,
		"OVERMIND_ACTOR="+agentID,
		"OVERMIND_ROLE="+role,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	ch := &child{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	s.mu.Lock()
	s.children[agentID] = ch
	s.mu.Unlock()

	if kickoff != "" {
		if _, err := io.WriteString(stdin, kickoff+"\n"); err != nil {
			s.log.Warn("kickoff delivery failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	go s.reap(agentID, ch)

	s.log.Info("agent process started",
		zap.String("agent_id", agentID),
		zap.String("role", role),
		zap.Int("pid", cmd.Process.Pid))
	return agentID, nil
}

// reap waits for the child and records how it ended.
func (s *Supervisor) reap(agentID string, ch *child) {
	err := ch.cmd.Wait()
	ch.code = ch.cmd.ProcessState.ExitCode()
	if ws, ok := ch.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		ch.sig = ws.Signal().String()
		ch.code = 0
	} else if err != nil && ch.code == 0 {
		ch.err = err
	}
	_ = ch.stdin.Close()
	close(ch.done)
}

// Kill signals an agent process. SIGTERM is the graceful default;
// anything unrecognized falls back to SIGKILL.
func (s *Supervisor) Kill(ctx context.Context, agentID, signal string) error {
	s.mu.Lock()
	ch, ok := s.children[agentID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", agentID, ErrUnknownAgent)
	}

	sig := syscall.SIGKILL
	switch signal {
	case "SIGTERM", "":
		sig = syscall.SIGTERM
	case "SIGINT":
		sig = syscall.SIGINT
	case "SIGHUP":
		sig = syscall.SIGHUP
	}
	if err := ch.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	return nil
}

// OnExit blocks until the agent process exits and reports how.
func (s *Supervisor) OnExit(ctx context.Context, agentID string) (int, string, error) {
	s.mu.Lock()
	ch, ok := s.children[agentID]
	s.mu.Unlock()
	if !ok {
		return 0, "", fmt.Errorf("%s: %w", agentID, ErrUnknownAgent)
	}
	select {
	case <-ch.done:
		s.mu.Lock()
		delete(s.children, agentID)
		s.mu.Unlock()
		return ch.code, ch.sig, ch.err
	case <-ctx.Done():
		return 0, "", ctx.Err()
	}
}

// DeliverMessage writes one line onto a live agent's stdin.
func (s *Supervisor) DeliverMessage(ctx context.Context, agentID, message, urgency string) error {
	s.mu.Lock()
	ch, ok := s.children[agentID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", agentID, ErrUnknownAgent)
	}
	prefix := ""
	if urgency != "" {
		prefix = "[" + urgency + "] "
	}
	_, err := io.WriteString(ch.stdin, prefix+message+"\n")
	return err
}
