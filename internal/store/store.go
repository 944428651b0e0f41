// Package store is the durable, single source of truth for issues,
// dependencies, comments, and activity. State lives as one JSON file per
// issue under the session's tasks directory, with a summary index and an
// activity log alongside. All mutations flow through a single mutation
// chain; the chain goroutine is the only writer of durable state.
package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/events"
	"github.com/overmind-sh/overmind/internal/events/bus"
	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

// Config holds task store tuning.
type Config struct {
	Dir            string        // directory holding per-issue JSON files
	Actor          string        // default actor stamped on activity events
	ActivityCap    int           // max retained activity events
	ActivityLimit  int           // default page size for Activity
	AgentTTL       time.Duration // heartbeat staleness before demotion to dead
	AgentCap       int           // max retained agent issues
	FlushDelay     time.Duration // deferred flush coalescing window
	MessageHistory int           // clamp for read_message_history limits
}

// DefaultConfig returns default store tuning for a session directory.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		Actor:          "overmind",
		ActivityCap:    1000,
		ActivityLimit:  50,
		AgentTTL:       15 * time.Minute,
		AgentCap:       200,
		FlushDelay:     250 * time.Millisecond,
		MessageHistory: 50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Dir)
	if c.Actor == "" {
		c.Actor = d.Actor
	}
	if c.ActivityCap <= 0 {
		c.ActivityCap = d.ActivityCap
	}
	if c.ActivityLimit <= 0 {
		c.ActivityLimit = d.ActivityLimit
	}
	if c.AgentTTL <= 0 {
		c.AgentTTL = d.AgentTTL
	}
	if c.AgentCap <= 0 {
		c.AgentCap = d.AgentCap
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = d.FlushDelay
	}
	if c.MessageHistory <= 0 {
		c.MessageHistory = d.MessageHistory
	}
	return c
}

// mutation is one queued store operation. The chain executes fn, then
// flushes whatever fn marked dirty, then reports back on done.
type mutation struct {
	fn   func() error
	done chan error
}

// Store is the durable issue store.
type Store struct {
	cfg Config
	log *logger.Logger
	bus bus.EventBus // optional; nil disables fan-out

	mu         sync.RWMutex
	issues     map[string]*v1.Issue
	activity   []v1.ActivityEvent
	commentSeq int64

	loadOnce sync.Once
	loadErr  error

	mutations chan mutation
	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}

	// flush bookkeeping, owned by the mutation chain goroutine
	dirty         map[string]struct{}
	deleted       map[string]struct{}
	activityDelta []v1.ActivityEvent
	skipFlush     bool // set by deferred-path mutations (heartbeat, usage)

	deferredMu    sync.Mutex
	deferredDirty map[string]struct{}
	deferredTimer *time.Timer
}

// New creates a store over the given directory and starts its mutation
// chain. The bus may be nil.
func New(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Store {
	s := &Store{
		cfg:           cfg.withDefaults(),
		log:           log.WithComponent("store"),
		bus:           eventBus,
		mutations:     make(chan mutation, 64),
		closed:        make(chan struct{}),
		drained:       make(chan struct{}),
		dirty:         make(map[string]struct{}),
		deleted:       make(map[string]struct{}),
		deferredDirty: make(map[string]struct{}),
	}
	go s.run()
	return s
}

// ensureLoaded performs the load-or-reuse read of on-disk state. Callers
// that need a consistent view await this before touching the snapshot.
func (s *Store) ensureLoaded() error {
	s.loadOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.loadErr = s.load()
		if s.loadErr != nil {
			s.log.Error("store load failed", zap.Error(s.loadErr))
		} else {
			s.log.Info("store loaded",
				zap.Int("issues", len(s.issues)),
				zap.String("dir", s.cfg.Dir))
		}
	})
	return s.loadErr
}

// run is the mutation chain. Mutations execute strictly in arrival order;
// a failed mutation releases the chain without poisoning later entries.
func (s *Store) run() {
	defer close(s.drained)
	for {
		select {
		case m := <-s.mutations:
			m.done <- s.execute(m.fn)
		case <-s.closed:
			// Drain anything already enqueued, then flush stragglers.
			for {
				select {
				case m := <-s.mutations:
					m.done <- s.execute(m.fn)
				default:
					s.flushDeferredNow()
					return
				}
			}
		}
	}
}

// execute runs one mutation and its flush.
func (s *Store) execute(fn func() error) error {
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.skipFlush = false
	if err := fn(); err != nil {
		// Discard whatever the failed mutation marked dirty; its issue
		// changes were rolled back in memory by the op itself. Activity
		// events it appended are unwound here.
		if len(s.activityDelta) > 0 {
			drop := make(map[string]struct{}, len(s.activityDelta))
			for _, ev := range s.activityDelta {
				drop[ev.ID] = struct{}{}
			}
			s.mu.Lock()
			kept := s.activity[:0]
			for _, ev := range s.activity {
				if _, dropped := drop[ev.ID]; !dropped {
					kept = append(kept, ev)
				}
			}
			s.activity = append([]v1.ActivityEvent(nil), kept...)
			s.mu.Unlock()
		}
		s.dirty = make(map[string]struct{})
		s.deleted = make(map[string]struct{})
		s.activityDelta = nil
		return err
	}
	if s.skipFlush {
		return nil
	}
	return s.flush()
}

// enqueue submits a mutation to the chain and awaits its completion.
func (s *Store) enqueue(ctx context.Context, fn func() error) error {
	m := mutation{fn: fn, done: make(chan error, 1)}
	select {
	case s.mutations <- m:
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-m.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markDirty flags an issue for the next flush.
func (s *Store) markDirty(id string) {
	s.dirty[id] = struct{}{}
}

// markDeleted flags an issue file for removal on the next flush.
func (s *Store) markDeleted(id string) {
	s.deleted[id] = struct{}{}
	delete(s.dirty, id)
}

// recordActivity appends an activity event. Ingestion is best-effort: the
// cap is enforced by trimming from the head and failures never block the
// mutation that produced the event.
func (s *Store) recordActivity(ev v1.ActivityEvent) {
	s.activity = append(s.activity, ev)
	if over := len(s.activity) - s.cfg.ActivityCap; over > 0 {
		s.activity = append([]v1.ActivityEvent(nil), s.activity[over:]...)
	}
	s.activityDelta = append(s.activityDelta, ev)
}

// flush writes the index, every dirty issue file, and the activity log,
// runs compaction, then fans out change events. Runs on the chain
// goroutine only.
func (s *Store) flush() error {
	s.compactAgents()

	for id := range s.deleted {
		if err := removeIssueFile(s.issuePath(id)); err != nil {
			s.log.Warn("issue file removal failed", zap.String("id", id), zap.Error(err))
		}
	}

	s.mu.RLock()
	for id := range s.dirty {
		iss, ok := s.issues[id]
		if !ok {
			continue
		}
		if err := s.writeIssueFile(iss); err != nil {
			s.mu.RUnlock()
			return err
		}
	}
	err := s.writeIndex()
	if err == nil {
		err = s.writeActivity()
	}
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	delta := s.activityDelta
	s.dirty = make(map[string]struct{})
	s.deleted = make(map[string]struct{})
	s.activityDelta = nil

	s.publishChanges(delta)
	return nil
}

// publishChanges fans out issues-changed, ready-changed, and the activity
// delta. Activity events are emitted after the flush of the mutation that
// produced them.
func (s *Store) publishChanges(delta []v1.ActivityEvent) {
	if s.bus == nil {
		return
	}
	ctx := context.Background()

	issues := s.snapshotList()
	_ = s.bus.Publish(ctx, events.SubjectIssuesChanged,
		bus.NewEvent(events.IssuesChanged, "store", map[string]interface{}{
			"issues": issues,
		}))

	ready := s.readyLocked()
	_ = s.bus.Publish(ctx, events.SubjectReadyChanged,
		bus.NewEvent(events.ReadyChanged, "store", map[string]interface{}{
			"ready": ready,
		}))

	if len(delta) > 0 {
		_ = s.bus.Publish(ctx, events.SubjectActivity,
			bus.NewEvent(events.Activity, "store", map[string]interface{}{
				"events": delta,
			}))
	}
}

// snapshotList returns clones of every issue.
func (s *Store) snapshotList() []*v1.Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1.Issue, 0, len(s.issues))
	for _, iss := range s.issues {
		out = append(out, iss.Clone())
	}
	sortIssues(out)
	return out
}

// scheduleDeferredFlush coalesces heartbeat and usage writes into one disk
// pass after the configured delay.
func (s *Store) scheduleDeferredFlush(id string) {
	s.deferredMu.Lock()
	defer s.deferredMu.Unlock()
	s.deferredDirty[id] = struct{}{}
	if s.deferredTimer != nil {
		return
	}
	s.deferredTimer = time.AfterFunc(s.cfg.FlushDelay, func() {
		_ = s.enqueue(context.Background(), func() error {
			s.deferredMu.Lock()
			for id := range s.deferredDirty {
				s.markDirty(id)
			}
			s.deferredDirty = make(map[string]struct{})
			s.deferredTimer = nil
			s.deferredMu.Unlock()
			return nil
		})
	})
}

// flushDeferredNow folds any pending deferred writes into a final flush.
// Called on the chain goroutine during shutdown.
func (s *Store) flushDeferredNow() {
	s.deferredMu.Lock()
	if s.deferredTimer != nil {
		s.deferredTimer.Stop()
		s.deferredTimer = nil
	}
	pending := s.deferredDirty
	s.deferredDirty = make(map[string]struct{})
	s.deferredMu.Unlock()

	if len(pending) == 0 {
		return
	}
	for id := range pending {
		s.markDirty(id)
	}
	if err := s.flush(); err != nil {
		s.log.Warn("final deferred flush failed", zap.Error(err))
	}
}

// Close stops the mutation chain after draining queued mutations and
// flushing deferred writes.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	<-s.drained
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.cfg.Dir }

// MessageHistoryCap returns the configured read_message_history clamp.
func (s *Store) MessageHistoryCap() int { return s.cfg.MessageHistory }
