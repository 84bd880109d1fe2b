package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawd/internal/sessions"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 8192
)

// AnthropicClient streams completions from the Anthropic Messages API.
type AnthropicClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type AnthropicOption func(*AnthropicClient)

func WithBaseURL(baseURL string) AnthropicOption {
	return func(c *AnthropicClient) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithHTTPClient(hc *http.Client) AnthropicOption {
	return func(c *AnthropicClient) { c.client = hc }
}

func NewAnthropicClient(logger *slog.Logger, opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{
		baseURL: anthropicAPIBase,
		client:  &http.Client{Timeout: 300 * time.Second},
		logger:  logger,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Stream implements StreamFunc against the Messages API.
func (c *AnthropicClient) Stream(ctx context.Context, model ModelRef, req Request, opts StreamOptions, onEvent func(StreamEvent)) (*sessions.Message, error) {
	body, err := buildAnthropicBody(model.Name, req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("x-api-key", opts.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			Status:     resp.StatusCode,
			RetryAfter: resp.Header.Get("Retry-After"),
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	return c.consumeStream(resp.Body, model, onEvent)
}

// Wire structures for the Messages API.
type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

func buildAnthropicBody(model string, req Request) ([]byte, error) {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case sessions.RoleUser:
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []map[string]any{{"type": "text", "text": m.Text()}},
			})
		case sessions.RoleAssistant:
			var blocks []map[string]any
			for _, b := range m.Content {
				switch b.Type {
				case sessions.BlockText:
					if b.Text != "" {
						blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
					}
				case sessions.BlockToolCall:
					input := b.Arguments
					if input == nil {
						input = map[string]any{}
					}
					blocks = append(blocks, map[string]any{
						"type":  "tool_use",
						"id":    b.ID,
						"name":  b.Name,
						"input": input,
					})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})
		case sessions.RoleToolResult:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Text(),
					"is_error":    m.IsError,
				}},
			})
		}
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": anthropicMaxTokens,
		"messages":   messages,
		"stream":     true,
	}
	if req.SystemPrompt != "" {
		body["system"] = req.SystemPrompt
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}
	return json.Marshal(body)
}

// SSE event payloads.
type sseContentBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type sseContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type sseMessageStart struct {
	Message struct {
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type sseMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type sseError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// consumeStream folds the SSE event sequence into one assistant message,
// forwarding deltas as they arrive.
func (c *AnthropicClient) consumeStream(r io.Reader, model ModelRef, onEvent func(StreamEvent)) (*sessions.Message, error) {
	msg := &sessions.Message{
		Role:       sessions.RoleAssistant,
		StopReason: sessions.StopEnd,
		Model:      model.Name,
		Provider:   model.Provider,
		API:        model.API,
		Usage:      &sessions.Usage{},
		Timestamp:  time.Now().UTC(),
	}

	var (
		textBuf      strings.Builder
		thinkingBuf  strings.Builder
		toolJSON     = map[int]string{}
		toolByIndex  = map[int]*sessions.ContentBlock{}
		blockOrder   []int
		currentEvent string
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev sseMessageStart
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				msg.Usage.Input = ev.Message.Usage.InputTokens
				msg.Usage.CacheWrite = ev.Message.Usage.CacheCreationInputTokens
				msg.Usage.CacheRead = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			var ev sseContentBlockStart
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.ContentBlock.Type == "tool_use" {
					call := sessions.ToolCall(ev.ContentBlock.ID, strings.TrimSpace(ev.ContentBlock.Name), map[string]any{})
					toolByIndex[ev.Index] = &call
					blockOrder = append(blockOrder, ev.Index)
				}
			}

		case "content_block_delta":
			var ev sseContentBlockDelta
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Delta.Type {
				case "text_delta":
					textBuf.WriteString(ev.Delta.Text)
					if onEvent != nil {
						onEvent(StreamEvent{Type: EventTextDelta, Delta: ev.Delta.Text})
					}
				case "thinking_delta":
					thinkingBuf.WriteString(ev.Delta.Thinking)
					if onEvent != nil {
						onEvent(StreamEvent{Type: EventThinkingDelta, Delta: ev.Delta.Thinking})
					}
				case "input_json_delta":
					toolJSON[ev.Index] += ev.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			var ev struct {
				Index int `json:"index"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if call, ok := toolByIndex[ev.Index]; ok {
					if raw := toolJSON[ev.Index]; raw != "" {
						args := map[string]any{}
						if jsonErr := json.Unmarshal([]byte(raw), &args); jsonErr == nil {
							call.Arguments = args
						}
					}
					if onEvent != nil {
						onEvent(StreamEvent{Type: EventToolCallEnd, ToolCall: call})
					}
				}
			}

		case "message_delta":
			var ev sseMessageDelta
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Delta.StopReason {
				case "tool_use":
					msg.StopReason = sessions.StopToolUse
				case "max_tokens":
					msg.StopReason = sessions.StopLength
				case "":
				default:
					msg.StopReason = sessions.StopEnd
				}
				if ev.Usage.OutputTokens > 0 {
					msg.Usage.Output = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev sseError
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}

		case "message_stop":
			// stream complete
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}

	var content []sessions.ContentBlock
	if thinkingBuf.Len() > 0 {
		content = append(content, sessions.Thinking(thinkingBuf.String()))
	}
	if textBuf.Len() > 0 {
		content = append(content, sessions.Text(textBuf.String()))
	}
	for _, idx := range blockOrder {
		content = append(content, *toolByIndex[idx])
	}
	msg.Content = content
	msg.Usage.TotalTokens = msg.Usage.Input + msg.Usage.Output
	return msg, nil
}
