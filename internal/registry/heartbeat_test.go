package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

type recordingHeartbeater struct {
	mu    sync.Mutex
	ids   []string
	block chan struct{} // when set, Heartbeat parks until closed
}

func (h *recordingHeartbeater) Heartbeat(ctx context.Context, id string) error {
	h.mu.Lock()
	h.ids = append(h.ids, id)
	block := h.block
	h.mu.Unlock()
	if block != nil {
		<-block
	}
	return nil
}

func (h *recordingHeartbeater) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ids...)
}

func TestHeartbeatPingsActiveAgents(t *testing.T) {
	r := newTestRegistry(t, Config{HeartbeatInterval: 5 * time.Millisecond})
	hb := &recordingHeartbeater{}

	r.Register(&AgentInfo{ID: "w1", AgentIssueID: "agent-a", State: v1.AgentStatusRunning})
	r.Register(&AgentInfo{ID: "w2", AgentIssueID: "agent-b", State: v1.AgentStatusDone})
	r.Register(&AgentInfo{ID: "w3", State: v1.AgentStatusRunning}) // no linked issue

	r.StartHeartbeat(context.Background(), hb)
	defer r.StopHeartbeat()

	require.Eventually(t, func() bool {
		return len(hb.seen()) > 0
	}, time.Second, time.Millisecond)

	for _, id := range hb.seen() {
		assert.Equal(t, "agent-a", id, "only active agents with a linked issue are pinged")
	}
}

func TestHeartbeatSkipsOverlappingTicks(t *testing.T) {
	r := newTestRegistry(t, Config{HeartbeatInterval: 2 * time.Millisecond})
	block := make(chan struct{})
	hb := &recordingHeartbeater{block: block}

	r.Register(&AgentInfo{ID: "w1", AgentIssueID: "agent-a", State: v1.AgentStatusRunning})

	r.StartHeartbeat(context.Background(), hb)

	// Let several intervals elapse while the first tick is parked.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, hb.seen(), 1, "ticks that fire while one is in flight are dropped")

	close(block)
	r.StopHeartbeat()
}

func TestStopHeartbeatDrainsInFlightTick(t *testing.T) {
	r := newTestRegistry(t, Config{HeartbeatInterval: 2 * time.Millisecond})
	block := make(chan struct{})
	hb := &recordingHeartbeater{block: block}
	r.Register(&AgentInfo{ID: "w1", AgentIssueID: "agent-a", State: v1.AgentStatusRunning})

	r.StartHeartbeat(context.Background(), hb)
	require.Eventually(t, func() bool {
		return len(hb.seen()) == 1
	}, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		r.StopHeartbeat()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a tick was still in flight")
	case <-time.After(10 * time.Millisecond):
	}

	close(block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return after the tick drained")
	}

	r.StopHeartbeat() // idempotent
}
