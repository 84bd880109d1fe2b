package agent

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawd/internal/provider"
	"github.com/nextlevelbuilder/clawd/internal/sessions"
	"github.com/nextlevelbuilder/clawd/internal/tools"
)

// scriptedStream returns canned assistant messages in order.
func scriptedStream(t *testing.T, replies []sessions.Message) provider.StreamFunc {
	t.Helper()
	i := 0
	return func(ctx context.Context, model provider.ModelRef, req provider.Request, opts provider.StreamOptions, onEvent func(provider.StreamEvent)) (*sessions.Message, error) {
		if i >= len(replies) {
			t.Fatal("stream called more times than scripted")
		}
		msg := replies[i]
		i++
		for _, b := range msg.Content {
			switch b.Type {
			case sessions.BlockText:
				if onEvent != nil {
					onEvent(provider.StreamEvent{Type: provider.EventTextDelta, Delta: b.Text})
				}
			case sessions.BlockToolCall:
				call := b
				if onEvent != nil {
					onEvent(provider.StreamEvent{Type: provider.EventToolCallEnd, ToolCall: &call})
				}
			}
		}
		return &msg, nil
	}
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	err := reg.Register(&tools.Tool{
		Name:        "echo",
		Description: "echo back the value",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"value": map[string]any{"type": "string"}},
			"required":   []any{"value"},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			v, _ := args["value"].(string)
			return v, nil
		},
	})
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return reg
}

func TestRunToolUseRoundTrip(t *testing.T) {
	replies := []sessions.Message{
		{
			Role:       sessions.RoleAssistant,
			Content:    []sessions.ContentBlock{sessions.ToolCall("tc1", "echo", map[string]any{"value": "x"})},
			StopReason: sessions.StopToolUse,
			Usage:      &sessions.Usage{Input: 10, Output: 5, TotalTokens: 15},
		},
		{
			Role:       sessions.RoleAssistant,
			Content:    []sessions.ContentBlock{sessions.Text("done")},
			StopReason: sessions.StopEnd,
			Usage:      &sessions.Usage{Input: 20, Output: 3, TotalTokens: 23},
		},
	}

	var turn *sessions.TurnMetrics
	var events []Event
	out, err := Run(context.Background(),
		[]sessions.Message{sessions.UserMessage("use echo")},
		Options{
			Stream:        scriptedStream(t, replies),
			Registry:      echoRegistry(t),
			MaxIterations: 5,
			OnTurnComplete: func(tm sessions.TurnMetrics) {
				turn = &tm
			},
		},
		func(ev Event) { events = append(events, ev) },
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(out), out)
	}
	if out[0].Role != sessions.RoleUser || out[0].Text() != "use echo" {
		t.Errorf("messages[0] = %+v", out[0])
	}
	if out[1].Role != sessions.RoleAssistant || len(out[1].ToolCalls()) != 1 {
		t.Errorf("messages[1] = %+v", out[1])
	}
	if out[2].Role != sessions.RoleToolResult || out[2].Text() != "x" || out[2].IsError {
		t.Errorf("messages[2] = %+v", out[2])
	}
	if out[2].ToolCallID != "tc1" || out[2].ToolName != "echo" {
		t.Errorf("tool result linkage = %+v", out[2])
	}
	if out[3].Role != sessions.RoleAssistant || out[3].Text() != "done" {
		t.Errorf("messages[3] = %+v", out[3])
	}

	if turn == nil {
		t.Fatal("onTurnComplete never fired")
	}
	if turn.ToolCalls != 1 || turn.TotalTokens != 38 || turn.InputTokens != 30 || turn.OutputTokens != 8 {
		t.Errorf("turn metrics = %+v", turn)
	}

	var streamEvents, toolResults int
	for _, ev := range events {
		switch ev.Type {
		case EventStream:
			streamEvents++
		case EventToolResult:
			toolResults++
		}
	}
	if streamEvents == 0 || toolResults != 1 {
		t.Errorf("events: stream=%d toolResult=%d", streamEvents, toolResults)
	}
}

func TestRunMaxIterationsExhaustion(t *testing.T) {
	// The model requests tools forever.
	loopForever := func(ctx context.Context, model provider.ModelRef, req provider.Request, opts provider.StreamOptions, onEvent func(provider.StreamEvent)) (*sessions.Message, error) {
		return &sessions.Message{
			Role:       sessions.RoleAssistant,
			Content:    []sessions.ContentBlock{sessions.ToolCall("t", "echo", map[string]any{"value": "again"})},
			StopReason: sessions.StopToolUse,
		}, nil
	}

	var errorEvents []string
	out, err := Run(context.Background(),
		[]sessions.Message{sessions.UserMessage("loop")},
		Options{Stream: loopForever, Registry: echoRegistry(t), MaxIterations: 3},
		func(ev Event) {
			if ev.Type == EventError {
				errorEvents = append(errorEvents, ev.Message)
			}
		},
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	last := out[len(out)-1]
	if last.Role != sessions.RoleAssistant || last.Text() != "Stopped: maximum iteration limit reached." {
		t.Errorf("terminal message = %+v", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 0 {
		t.Errorf("exhaustion message carries usage: %+v", last.Usage)
	}
	if len(errorEvents) != 1 || errorEvents[0] != "Stopped: maximum iteration limit reached." {
		t.Errorf("error events = %v", errorEvents)
	}
	// 1 user + 3 iterations x (assistant + toolResult) + terminal.
	if len(out) != 8 {
		t.Errorf("got %d messages, want 8", len(out))
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := Run(ctx,
		[]sessions.Message{sessions.UserMessage("hi")},
		Options{Stream: scriptedStream(t, nil), Registry: echoRegistry(t)},
		nil,
	)
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(out) != 1 {
		t.Errorf("cancelled run produced messages: %+v", out)
	}
}

func TestWithRetryScenario(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &provider.StatusError{Status: 429, RetryAfter: "0"}
		}
		return "ok", nil
	}

	var statuses []StatusEvent
	got, err := WithRetry(context.Background(),
		RetryConfig{BaseDelayMs: 1, MaxDelayMs: 10, MaxRetries: 2, RetryableStatuses: []int{429, 500}},
		func(se StatusEvent) { statuses = append(statuses, se) },
		op,
	)
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q", got)
	}
	if calls != 2 {
		t.Errorf("attempts = %d, want 2", calls)
	}
	if len(statuses) != 1 || statuses[0].Status != 429 {
		t.Fatalf("status events = %+v", statuses)
	}
	if statuses[0].Attempt != 2 {
		t.Errorf("attempt = %d, want 2", statuses[0].Attempt)
	}
	if statuses[0].DelayMs != 0 {
		t.Errorf("delay = %d, want Retry-After override of 0", statuses[0].DelayMs)
	}
}

func TestWithRetryNonRetryable(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(),
		DefaultRetryConfig(),
		nil,
		func(ctx context.Context) (string, error) {
			calls++
			return "", &provider.StatusError{Status: 401}
		},
	)
	if err == nil || calls != 1 {
		t.Errorf("calls = %d err = %v, want single failing attempt", calls, err)
	}
}

func TestWithRetryExhaustion(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(),
		RetryConfig{BaseDelayMs: 1, MaxDelayMs: 2, MaxRetries: 2, RetryableStatuses: []int{500}},
		nil,
		func(ctx context.Context) (string, error) {
			calls++
			return "", &provider.StatusError{Status: 500}
		},
	)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if calls != 3 { // initial + 2 retries
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryInterruptibleSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := WithRetry(ctx,
		RetryConfig{BaseDelayMs: 60000, MaxDelayMs: 60000, MaxRetries: 1, RetryableStatuses: []int{500}},
		nil,
		func(ctx context.Context) (string, error) {
			return "", &provider.StatusError{Status: 500}
		},
	)
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("retry sleep was not interruptible")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d, ok := parseRetryAfter("7"); !ok || d != 7*time.Second {
		t.Errorf("seconds parse = %v %v", d, ok)
	}
	if _, ok := parseRetryAfter(""); ok {
		t.Error("empty value parsed")
	}
	future := time.Now().Add(30 * time.Second).UTC().Format(time.RFC1123)
	// HTTP-date wants GMT, not UTC.
	future = future[:len(future)-3] + "GMT"
	if d, ok := parseRetryAfter(future); !ok || d <= 0 || d > 31*time.Second {
		t.Errorf("http-date parse = %v %v", d, ok)
	}
}
