package gateway

// Client-to-server frame types.
const (
	FrameSendMessage = "send_message"
	FrameCancel      = "cancel"
)

// Server-to-client frame types.
const (
	FrameRunStart        = "run_start"
	FrameStreamDelta     = "stream_delta"
	FrameToolStart       = "tool_start"
	FrameToolResult      = "tool_result"
	FrameStatus          = "status"
	FrameMessageComplete = "message_complete"
	FrameSessionRenamed  = "session_renamed"
	FrameError           = "error"
)

// ClientFrame is one inbound WebSocket message.
type ClientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Frame is the flat outbound envelope. Unused payload fields are
// omitted, so each frame type serializes only its own payload.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	RunID     string `json:"runId,omitempty"`

	// run_start
	StartedAt string `json:"startedAt,omitempty"`

	// stream_delta
	Delta string `json:"delta,omitempty"`

	// tool_start
	ID        string         `json:"id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// tool_result
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	IsError    bool   `json:"isError,omitempty"`

	// tool_result, message_complete
	Content string `json:"content,omitempty"`

	// status
	Attempt int   `json:"attempt,omitempty"`
	DelayMs int64 `json:"delayMs,omitempty"`
	Status  int   `json:"status,omitempty"`

	// session_renamed
	Name string `json:"name,omitempty"`

	// status, error
	Message string `json:"message,omitempty"`
}
