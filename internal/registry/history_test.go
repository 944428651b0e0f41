package registry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

type stubSource struct {
	messages []v1.AgentMessage
	err      error
	gotLimit int
}

func (s *stubSource) RecentMessages(limit int) ([]v1.AgentMessage, error) {
	s.gotLimit = limit
	return s.messages, s.err
}

func textMsg(role, text string) v1.AgentMessage {
	return v1.AgentMessage{Role: role, Content: []v1.ContentBlock{{Type: "text", Text: text}}}
}

func TestReadMessageHistoryPrefersLiveHandle(t *testing.T) {
	r := newTestRegistry(t, Config{})
	src := &stubSource{messages: []v1.AgentMessage{textMsg("assistant", "live")}}
	r.Register(&AgentInfo{ID: "w1", State: v1.AgentStatusRunning, Handle: src,
		Buffer: []v1.AgentMessage{textMsg("assistant", "buffered")}})

	hist, err := r.ReadMessageHistory("w1", 10)
	require.NoError(t, err)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "live", hist.Messages[0].Content[0].Text)
	assert.Equal(t, 10, src.gotLimit)
}

func TestReadMessageHistoryBufferFallback(t *testing.T) {
	r := newTestRegistry(t, Config{})
	src := &stubSource{err: errors.New("child gone")}
	r.Register(&AgentInfo{ID: "w1", State: v1.AgentStatusRunning, Handle: src,
		Buffer: []v1.AgentMessage{textMsg("assistant", "buffered")}})

	hist, err := r.ReadMessageHistory("w1", 10)
	require.NoError(t, err)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "buffered", hist.Messages[0].Content[0].Text)
}

func TestReadMessageHistoryByAgentIssueID(t *testing.T) {
	r := newTestRegistry(t, Config{})
	r.Register(&AgentInfo{ID: "w1", AgentIssueID: "agent-fix-1234",
		State: v1.AgentStatusRunning,
		Buffer: []v1.AgentMessage{textMsg("user", "hello")}})

	hist, err := r.ReadMessageHistory("agent-fix-1234", 10)
	require.NoError(t, err)
	assert.Len(t, hist.Messages, 1)
}

func TestReadMessageHistoryUnknownAgentEmptyOK(t *testing.T) {
	r := newTestRegistry(t, Config{})
	hist, err := r.ReadMessageHistory("ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, hist.Messages)
	assert.Empty(t, hist.ToolCalls)
}

func TestReadMessageHistoryLimitClamp(t *testing.T) {
	r := newTestRegistry(t, Config{HistoryLimit: 3})
	var buf []v1.AgentMessage
	for i := 0; i < 10; i++ {
		buf = append(buf, textMsg("assistant", fmt.Sprintf("m%d", i)))
	}
	r.Register(&AgentInfo{ID: "w1", State: v1.AgentStatusRunning, Buffer: buf})

	hist, err := r.ReadMessageHistory("w1", 100)
	require.NoError(t, err)
	require.Len(t, hist.Messages, 3, "limit clamps to the configured maximum")
	assert.Equal(t, "m9", hist.Messages[2].Content[0].Text, "tail of the buffer wins")
}

func TestToolCallJoin(t *testing.T) {
	r := newTestRegistry(t, Config{})
	r.Register(&AgentInfo{ID: "w1", State: v1.AgentStatusRunning, Buffer: []v1.AgentMessage{
		{Role: "assistant", Content: []v1.ContentBlock{
			{Type: "tool_use", ID: "tc1", Name: "edit", Input: map[string]interface{}{"path": "a.go"}},
			{Type: "tool_use", ID: "tc2", Name: "bash"},
		}},
		{Role: "user", Content: []v1.ContentBlock{
			{Type: "tool_result", ToolUseID: "tc1", Content: "ok"},
			{Type: "tool_result", ToolUseID: "tc2", Content: "denied", IsError: true},
		}},
	}})

	hist, err := r.ReadMessageHistory("w1", 10)
	require.NoError(t, err)
	require.Len(t, hist.ToolCalls, 2)
	assert.Equal(t, "edit", hist.ToolCalls[0].Name)
	assert.Equal(t, "ok", hist.ToolCalls[0].Result)
	assert.False(t, hist.ToolCalls[0].IsError)
	assert.Equal(t, "denied", hist.ToolCalls[1].Result)
	assert.True(t, hist.ToolCalls[1].IsError)
}
