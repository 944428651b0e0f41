package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Heartbeater receives liveness pings for agent issues. Implemented by
// the task store.
type Heartbeater interface {
	Heartbeat(ctx context.Context, agentIssueID string) error
}

// StartHeartbeat runs the liveness loop: every interval, ping the store
// for each active agent with a linked agent issue. Ticks are
// single-flight; a tick that fires while the previous one is still
// running is dropped. Stop with StopHeartbeat.
func (r *Registry) StartHeartbeat(ctx context.Context, store Heartbeater) {
	r.mu.Lock()
	if r.hbStop != nil {
		r.mu.Unlock()
		return
	}
	r.hbStop = make(chan struct{})
	r.hbDone = make(chan struct{})
	stop, done := r.hbStop, r.hbDone
	r.mu.Unlock()

	var (
		inFlight atomic.Bool
		wg       sync.WaitGroup
	)
	go func() {
		defer close(done)
		defer wg.Wait()
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !inFlight.CompareAndSwap(false, true) {
					r.log.Debug("heartbeat tick skipped, previous still in flight")
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer inFlight.Store(false)
					r.tick(ctx, store)
				}()
			}
		}
	}()
}

// tick pings the store for every active agent. Per-agent failures are
// ignored; stuck detection happens elsewhere.
func (r *Registry) tick(ctx context.Context, store Heartbeater) {
	for _, info := range r.GetActive() {
		if info.AgentIssueID == "" {
			continue
		}
		if err := store.Heartbeat(ctx, info.AgentIssueID); err != nil {
			r.log.Debug("heartbeat failed",
				zap.String("agent_id", info.ID),
				zap.String("agent_issue_id", info.AgentIssueID),
				zap.Error(err))
		}
	}
}

// StopHeartbeat stops the liveness loop and waits out any in-flight
// tick. Safe to call multiple times or without a prior start.
func (r *Registry) StopHeartbeat() {
	r.mu.Lock()
	stop, done := r.hbStop, r.hbDone
	r.mu.Unlock()
	if stop == nil {
		return
	}
	r.hbOnce.Do(func() { close(stop) })
	<-done
}
