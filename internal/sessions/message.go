package sessions

import (
	"encoding/json"
	"time"
)

// Role discriminates the message union.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// StopReason reports why an assistant turn ended.
type StopReason string

const (
	StopEnd     StopReason = "stop"
	StopToolUse StopReason = "toolUse"
	StopLength  StopReason = "length"
	StopError   StopReason = "error"
)

// Usage tracks token consumption for one assistant message.
type Usage struct {
	Input       int     `json:"input"`
	Output      int     `json:"output"`
	TotalTokens int     `json:"totalTokens"`
	CacheRead   int     `json:"cacheRead"`
	CacheWrite  int     `json:"cacheWrite"`
	Cost        float64 `json:"cost"`
}

// Block types inside message content.
const (
	BlockText     = "text"
	BlockToolCall = "toolCall"
	BlockThinking = "thinking"
)

// ContentBlock is the tagged content union. Only text and toolCall blocks
// are persisted; thinking blocks live in memory for the current run only.
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
}

// Text builds a text content block.
func Text(s string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: s}
}

// ToolCall builds a toolCall content block.
func ToolCall(id, name string, args map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolCall, ID: id, Name: name, Arguments: args}
}

// Thinking builds a thinking content block.
func Thinking(s string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Thinking: s}
}

// Message is the in-memory message union, tagged by Role.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`

	// Assistant fields
	StopReason StopReason `json:"stopReason,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
	Model      string     `json:"model,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	API        string     `json:"api,omitempty"`

	// ToolResult fields
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	IsError    bool   `json:"isError,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// UserMessage builds a single-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{Text(text)}, Timestamp: time.Now().UTC()}
}

// ToolResultMessage builds a tool result carrying one text block.
func ToolResultMessage(toolCallID, toolName, content string, isError bool) Message {
	return Message{
		Role:       RoleToolResult,
		Content:    []ContentBlock{Text(content)},
		ToolCallID: toolCallID,
		ToolName:   toolName,
		IsError:    isError,
		Timestamp:  time.Now().UTC(),
	}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the toolCall blocks in order.
func (m Message) ToolCalls() []ContentBlock {
	var calls []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolCall {
			calls = append(calls, b)
		}
	}
	return calls
}

// ArgumentsJSON renders a toolCall block's arguments compactly.
func (b ContentBlock) ArgumentsJSON() string {
	data, err := json.Marshal(b.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}
