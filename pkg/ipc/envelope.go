// Package ipc defines the wire envelope for the orchestrator's unix
// socket and a client for agent-side tooling. One JSON object per line,
// newline terminated, one request and one response per connection.
package ipc

// Request is the client-to-server envelope. Verb-specific fields ride
// in the typed members; open-ended parameters go through Params.
type Request struct {
	Type string `json:"type"`
	TS   int64  `json:"ts,omitempty"` // client epoch ms, informational

	// Attribution
	Role    string `json:"role,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Actor   string `json:"actor,omitempty"`

	// Verb parameters
	Action            string                 `json:"action,omitempty"`
	Params            map[string]interface{} `json:"params,omitempty"`
	DefaultTaskID     string                 `json:"default_task_id,omitempty"`
	Count             int                    `json:"count,omitempty"`
	Target            string                 `json:"target,omitempty"`
	Message           string                 `json:"message,omitempty"`
	Urgency           string                 `json:"urgency,omitempty"`
	Context           string                 `json:"context,omitempty"`
	Files             []string               `json:"files,omitempty"`
	Reason            string                 `json:"reason,omitempty"`
	Limit             int                    `json:"limit,omitempty"`
	IncludeFinisher   bool                   `json:"include_finisher,omitempty"`
	WaitForCompletion bool                   `json:"wait_for_completion,omitempty"`
}

// Response is the server-to-client envelope. A bare "ok" line is
// accepted on the wire as {ok:true} for legacy senders.
type Response struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Summary string      `json:"summary,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Okf returns a success response with a summary.
func Okf(summary string) *Response {
	return &Response{OK: true, Summary: summary}
}

// OkData returns a success response carrying data.
func OkData(data interface{}) *Response {
	return &Response{OK: true, Data: data}
}

// Errf returns a failure response.
func Errf(msg string) *Response {
	return &Response{OK: false, Error: msg}
}
