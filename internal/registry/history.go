package registry

import (
	"go.uber.org/zap"

	v1 "github.com/overmind-sh/overmind/pkg/api/v1"
)

// MessageHistory is the result of ReadMessageHistory.
type MessageHistory struct {
	Messages  []v1.AgentMessage    `json:"messages"`
	ToolCalls []v1.ToolCallSummary `json:"tool_calls"`
}

// ReadMessageHistory returns an agent's recent conversation. The agent
// may be addressed by registry id or by its linked agent-issue id. A
// live handle is preferred; a transient buffer is the fallback; an agent
// with neither yields an empty history, not an error.
func (r *Registry) ReadMessageHistory(agentID string, limit int) (*MessageHistory, error) {
	if limit <= 0 || limit > r.cfg.HistoryLimit {
		limit = r.cfg.HistoryLimit
	}

	r.mu.RLock()
	info := r.agents[agentID]
	if info == nil {
		for _, candidate := range r.agents {
			if candidate.AgentIssueID == agentID {
				info = candidate
				break
			}
		}
	}
	var (
		handle MessageSource
		buffer []v1.AgentMessage
	)
	if info != nil {
		handle = info.Handle
		buffer = append([]v1.AgentMessage(nil), info.Buffer...)
	}
	r.mu.RUnlock()

	if info == nil {
		return &MessageHistory{}, nil
	}

	var messages []v1.AgentMessage
	if handle != nil {
		got, err := handle.RecentMessages(limit)
		if err != nil {
			r.log.Debug("live message read failed, using buffer",
				zap.String("agent_id", info.ID), zap.Error(err))
		} else {
			messages = got
		}
	}
	if messages == nil {
		messages = buffer
	}
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	return &MessageHistory{
		Messages:  messages,
		ToolCalls: joinToolCalls(messages),
	}, nil
}

// joinToolCalls pairs assistant tool_use blocks with the tool_result
// blocks that answer them, matched by block id.
func joinToolCalls(messages []v1.AgentMessage) []v1.ToolCallSummary {
	var calls []v1.ToolCallSummary
	index := make(map[string]int)

	for _, msg := range messages {
		for _, block := range msg.Content {
			switch block.Type {
			case "tool_use":
				index[block.ID] = len(calls)
				calls = append(calls, v1.ToolCallSummary{
					ID:    block.ID,
					Name:  block.Name,
					Input: block.Input,
				})
			case "tool_result":
				if i, ok := index[block.ToolUseID]; ok {
					calls[i].Result = block.Content
					calls[i].IsError = block.IsError
				}
			}
		}
	}
	return calls
}
