package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/clawd/internal/sessions"
	"github.com/nextlevelbuilder/clawd/internal/tools"
)

// ModelRef identifies the model a run talks to.
type ModelRef struct {
	Provider      string
	Name          string
	API           string
	ContextWindow int
}

// Request is one streaming completion call.
type Request struct {
	Messages     []sessions.Message
	SystemPrompt string
	Tools        []tools.Schema
}

// StreamOptions carries per-call settings.
type StreamOptions struct {
	APIKey string
}

// Stream event types.
const (
	EventTextDelta     = "text_delta"
	EventThinkingDelta = "thinking_delta"
	EventToolCallEnd   = "toolcall_end"
)

// StreamEvent is one incremental unit of model output.
type StreamEvent struct {
	Type     string                 `json:"type"`
	Delta    string                 `json:"delta,omitempty"`
	ToolCall *sessions.ContentBlock `json:"toolCall,omitempty"`
}

// StreamFunc pumps one completion, forwarding incremental events, and
// returns the finished assistant message.
type StreamFunc func(ctx context.Context, model ModelRef, req Request, opts StreamOptions, onEvent func(StreamEvent)) (*sessions.Message, error)

// StatusError surfaces an HTTP failure with enough detail for the retry
// layer to classify it.
type StatusError struct {
	Status     int
	RetryAfter string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider returned status %d", e.Status)
}

// StatusOf extracts the HTTP status from an error chain, 0 if none.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// RetryAfterOf extracts a Retry-After header value from an error chain.
func RetryAfterOf(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return ""
}
