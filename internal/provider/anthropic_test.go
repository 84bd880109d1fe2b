package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/clawd/internal/sessions"
	"github.com/nextlevelbuilder/clawd/internal/tools"
)

const toolUseSSE = `event: message_start
data: {"message":{"usage":{"input_tokens":25,"cache_read_input_tokens":10}}}

event: content_block_start
data: {"index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"index":0,"delta":{"type":"text_delta","text":"Let me "}}

event: content_block_delta
data: {"index":0,"delta":{"type":"text_delta","text":"check."}}

event: content_block_stop
data: {"index":0}

event: content_block_start
data: {"index":1,"content_block":{"type":"tool_use","id":"tc1","name":"read"}}

event: content_block_delta
data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}

event: content_block_delta
data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"\"/tmp/x\"}"}}

event: content_block_stop
data: {"index":1}

event: message_delta
data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}

event: message_stop
data: {}

`

func TestAnthropicStreamToolUse(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing version header")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(toolUseSSE))
	}))
	defer srv.Close()

	client := NewAnthropicClient(nil, WithBaseURL(srv.URL))
	model := ModelRef{Provider: "anthropic", Name: "claude-sonnet-4-5", API: "messages"}

	var events []StreamEvent
	msg, err := client.Stream(context.Background(), model, Request{
		Messages:     []sessions.Message{sessions.UserMessage("read the file")},
		SystemPrompt: "be terse",
		Tools:        []tools.Schema{{Name: "read", Description: "read a file", Parameters: map[string]any{"type": "object"}}},
	}, StreamOptions{APIKey: "sk-test"}, func(ev StreamEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if msg.StopReason != sessions.StopToolUse {
		t.Errorf("stopReason = %q", msg.StopReason)
	}
	if msg.Text() != "Let me check." {
		t.Errorf("text = %q", msg.Text())
	}
	calls := msg.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "tc1" || calls[0].Name != "read" {
		t.Fatalf("toolCalls = %+v", calls)
	}
	if calls[0].Arguments["path"] != "/tmp/x" {
		t.Errorf("arguments = %v", calls[0].Arguments)
	}
	if msg.Usage.Input != 25 || msg.Usage.Output != 12 || msg.Usage.TotalTokens != 37 || msg.Usage.CacheRead != 10 {
		t.Errorf("usage = %+v", msg.Usage)
	}

	var deltas, toolEnds int
	for _, ev := range events {
		switch ev.Type {
		case EventTextDelta:
			deltas++
		case EventToolCallEnd:
			toolEnds++
			if ev.ToolCall == nil || ev.ToolCall.Name != "read" {
				t.Errorf("toolcall_end payload = %+v", ev.ToolCall)
			}
		}
	}
	if deltas != 2 || toolEnds != 1 {
		t.Errorf("events: deltas=%d toolEnds=%d", deltas, toolEnds)
	}

	if gotBody["system"] != "be terse" {
		t.Errorf("system prompt not sent: %v", gotBody["system"])
	}
	if gotBody["stream"] != true {
		t.Error("stream flag not set")
	}
}

func TestAnthropicStreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	client := NewAnthropicClient(nil, WithBaseURL(srv.URL))
	_, err := client.Stream(context.Background(), ModelRef{Name: "m"}, Request{}, StreamOptions{APIKey: "k"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if StatusOf(err) != 429 {
		t.Errorf("status = %d, want 429", StatusOf(err))
	}
	if RetryAfterOf(err) != "7" {
		t.Errorf("retryAfter = %q", RetryAfterOf(err))
	}
}

func TestBuildAnthropicBodyRoles(t *testing.T) {
	req := Request{
		Messages: []sessions.Message{
			sessions.UserMessage("q"),
			{
				Role: sessions.RoleAssistant,
				Content: []sessions.ContentBlock{
					sessions.Thinking("hidden"),
					sessions.Text("a"),
					sessions.ToolCall("tc1", "ls", map[string]any{"path": "/"}),
				},
			},
			sessions.ToolResultMessage("tc1", "ls", "bin/\netc/", false),
		},
	}
	data, err := buildAnthropicBody("m", req)
	if err != nil {
		t.Fatalf("buildAnthropicBody: %v", err)
	}
	body := string(data)

	if strings.Contains(body, "hidden") {
		t.Error("thinking block leaked into the request")
	}
	for _, want := range []string{`"tool_use"`, `"tool_result"`, `"tool_use_id":"tc1"`} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %s:\n%s", want, body)
		}
	}

	var decoded struct {
		Messages []anthropicMessage `json:"messages"`
	}
	json.Unmarshal(data, &decoded)
	if len(decoded.Messages) != 3 {
		t.Fatalf("got %d wire messages, want 3", len(decoded.Messages))
	}
	// Tool results ride on the user role.
	if decoded.Messages[2].Role != "user" {
		t.Errorf("tool result role = %q", decoded.Messages[2].Role)
	}
}
