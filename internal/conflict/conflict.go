// Package conflict mediates contested files between agents. A worker
// that needs a file another agent holds files a complaint; a short-lived
// resolver agent hears both sides and returns a verdict while the
// complainant's request stays parked on a per-waiter channel.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/logger"
)

// Verdict is a resolver's ruling on one contested file.
type Verdict string

const (
	VerdictWait     Verdict = "wait"     // holder keeps the file
	VerdictProceed  Verdict = "proceed"  // complainant takes over
	VerdictEscalate Verdict = "escalate" // needs a human or steering
)

var (
	// ErrAlreadyHeld means the complainant already holds the file.
	ErrAlreadyHeld = errors.New("file already held by complainant")
	// ErrPathEscapes means a path points outside the repository.
	ErrPathEscapes = errors.New("path escapes repository root")
	// ErrNoFiles means a complaint carried no usable paths.
	ErrNoFiles = errors.New("complaint names no files")
)

// Claim records who currently holds a contested file.
type Claim struct {
	HolderAgentID string    `json:"holder_agent_id"`
	HolderTaskID  string    `json:"holder_task_id"`
	Reason        string    `json:"reason"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Complaint is one agent's contest over a set of files.
type Complaint struct {
	Files              []string
	Reason             string
	ComplainantAgentID string
	ComplainantTaskID  string
}

// Dispute is the two-sided picture handed to a resolver.
type Dispute struct {
	File        string
	Holder      Claim
	Complainant Complaint
}

// Result is the per-file outcome returned to the complainant.
type Result struct {
	File    string  `json:"file"`
	Verdict Verdict `json:"verdict"`
	Summary string  `json:"summary,omitempty"`
}

// ResolverSpawner spawns a resolver agent for a dispute and returns its
// verdict. Implemented by the lifecycle coordinator.
type ResolverSpawner interface {
	Resolve(ctx context.Context, d Dispute) (Verdict, error)
}

// Config holds coordinator tuning.
type Config struct {
	ResolveTimeout time.Duration // bound on waiting for a verdict
}

// DefaultConfig returns default conflict tuning.
func DefaultConfig() Config {
	return Config{ResolveTimeout: 5 * time.Minute}
}

// Coordinator owns the contested-file table.
type Coordinator struct {
	cfg      Config
	resolver ResolverSpawner
	log      *logger.Logger

	mu        sync.Mutex
	contested map[string]*Claim
	waiters   map[string]map[string]chan Result // file -> complainant agent -> waiter
}

// New creates a coordinator.
func New(cfg Config, resolver ResolverSpawner, log *logger.Logger) *Coordinator {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultConfig().ResolveTimeout
	}
	return &Coordinator{
		cfg:       cfg,
		resolver:  resolver,
		log:       log.WithComponent("conflict"),
		contested: make(map[string]*Claim),
		waiters:   make(map[string]map[string]chan Result),
	}
}

// NormalizePaths cleans complaint paths: strips ./ prefixes, rejects
// anything that escapes the repository root, deduplicates preserving
// order.
func NormalizePaths(files []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		clean := path.Clean(strings.TrimPrefix(f, "./"))
		if clean == "." {
			continue
		}
		if strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, fmt.Errorf("%w: %s", ErrPathEscapes, f)
		}
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	return out, nil
}

// Complain contests a set of files. Uncontested files are granted
// immediately and the complainant becomes their holder. Contested files
// park the caller until a resolver verdict, a revocation by the holder,
// or the resolve timeout; timeout yields a wait verdict with a summary,
// not an error.
func (c *Coordinator) Complain(ctx context.Context, comp Complaint) ([]Result, error) {
	files, err := NormalizePaths(comp.Files)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	type pendingWaiter struct {
		file string
		ch   chan Result
	}
	var (
		results []Result
		pending []pendingWaiter
	)

	c.mu.Lock()
	for _, file := range files {
		claim := c.contested[file]
		if claim == nil {
			c.contested[file] = &Claim{
				HolderAgentID: comp.ComplainantAgentID,
				HolderTaskID:  comp.ComplainantTaskID,
				Reason:        comp.Reason,
				OpenedAt:      time.Now().UTC(),
			}
			results = append(results, Result{File: file, Verdict: VerdictProceed, Summary: "uncontested"})
			continue
		}
		if claim.HolderAgentID == comp.ComplainantAgentID {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyHeld, file)
		}

		waiter := make(chan Result, 1)
		if c.waiters[file] == nil {
			c.waiters[file] = make(map[string]chan Result)
		}
		c.waiters[file][comp.ComplainantAgentID] = waiter
		pending = append(pending, pendingWaiter{file: file, ch: waiter})

		go c.runResolver(Dispute{File: file, Holder: *claim, Complainant: comp})
	}
	c.mu.Unlock()

	// Each waiter gets its own full bound; a slow verdict on one file
	// must not eat the budget of the next.
	for _, w := range pending {
		timer := time.NewTimer(c.cfg.ResolveTimeout)
		select {
		case res := <-w.ch:
			results = append(results, res)
		case <-timer.C:
			results = append(results, Result{File: w.file, Verdict: VerdictWait,
				Summary: "resolver did not rule within the bound; keep waiting"})
		case <-ctx.Done():
			timer.Stop()
			return results, ctx.Err()
		}
		timer.Stop()
	}
	return results, nil
}

// runResolver spawns the resolver for one dispute and delivers its
// verdict to the waiter, unless a revocation released it first.
func (c *Coordinator) runResolver(d Dispute) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ResolveTimeout)
	defer cancel()

	verdict, err := c.resolver.Resolve(ctx, d)
	summary := ""
	if err != nil {
		c.log.Warn("resolver failed, ruling escalate",
			zap.String("file", d.File), zap.Error(err))
		verdict, summary = VerdictEscalate, fmt.Sprintf("resolver error: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	waiter := c.takeWaiter(d.File, d.Complainant.ComplainantAgentID)
	if waiter == nil {
		return // released by a revocation already
	}
	if verdict == VerdictProceed {
		c.contested[d.File] = &Claim{
			HolderAgentID: d.Complainant.ComplainantAgentID,
			HolderTaskID:  d.Complainant.ComplainantTaskID,
			Reason:        d.Complainant.Reason,
			OpenedAt:      time.Now().UTC(),
		}
	}
	waiter <- Result{File: d.File, Verdict: verdict, Summary: summary}
}

// takeWaiter removes and returns one waiter. Caller holds the lock.
func (c *Coordinator) takeWaiter(file, agentID string) chan Result {
	byAgent := c.waiters[file]
	waiter := byAgent[agentID]
	if waiter != nil {
		delete(byAgent, agentID)
		if len(byAgent) == 0 {
			delete(c.waiters, file)
		}
	}
	return waiter
}

// RevokeComplaint withdraws an agent's claims and pending complaints.
// With files omitted every active one is revoked. Each freed file's
// waiters are released with a proceed result so paused peers continue;
// the first waiter inherits the claim. Returns the affected files.
func (c *Coordinator) RevokeComplaint(agentID string, files []string) ([]string, error) {
	normalized, err := NormalizePaths(files)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(normalized) == 0 {
		for file, claim := range c.contested {
			if claim.HolderAgentID == agentID {
				normalized = append(normalized, file)
			}
		}
		for file, byAgent := range c.waiters {
			if _, ok := byAgent[agentID]; ok {
				normalized = append(normalized, file)
			}
		}
	}

	var affected []string
	for _, file := range normalized {
		touched := false

		// The agent's own pending complaint on this file.
		if waiter := c.takeWaiter(file, agentID); waiter != nil {
			waiter <- Result{File: file, Verdict: VerdictWait, Summary: "complaint revoked"}
			touched = true
		}

		// The agent's holder claim; pass the file to the first waiter.
		if claim := c.contested[file]; claim != nil && claim.HolderAgentID == agentID {
			delete(c.contested, file)
			touched = true
			for otherAgent := range c.waiters[file] {
				waiter := c.takeWaiter(file, otherAgent)
				c.contested[file] = &Claim{
					HolderAgentID: otherAgent,
					OpenedAt:      time.Now().UTC(),
				}
				waiter <- Result{File: file, Verdict: VerdictProceed, Summary: "holder revoked"}
				break
			}
		}

		if touched {
			affected = append(affected, file)
		}
	}
	return affected, nil
}

// Contested returns a snapshot of the contested-file table.
func (c *Coordinator) Contested() map[string]Claim {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Claim, len(c.contested))
	for file, claim := range c.contested {
		out[file] = *claim
	}
	return out
}
