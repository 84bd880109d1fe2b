package gateway

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawd/internal/agent"
	"github.com/nextlevelbuilder/clawd/internal/provider"
	"github.com/nextlevelbuilder/clawd/internal/sessions"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *sessions.Store {
	t.Helper()
	store, err := sessions.NewStore(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func passthroughPrepare(meta *sessions.Metadata) (RunConfig, error) {
	return RunConfig{}, nil
}

type frameCollector struct {
	mu     sync.Mutex
	frames []Frame
}

func (fc *frameCollector) emit(f Frame) {
	fc.mu.Lock()
	fc.frames = append(fc.frames, f)
	fc.mu.Unlock()
}

func (fc *frameCollector) snapshot() []Frame {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]Frame(nil), fc.frames...)
}

// waitFrames polls until n frames of the given type arrived.
func (fc *frameCollector) waitFrames(t *testing.T, typ string, n int) []Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var matched []Frame
		for _, f := range fc.snapshot() {
			if f.Type == typ {
				matched = append(matched, f)
			}
		}
		if len(matched) >= n {
			return matched
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d %s frames: %+v", n, typ, fc.snapshot())
	return nil
}

// replyLoop fakes an agent run that takes delay and answers with text.
func replyLoop(delay time.Duration, reply string) LoopFunc {
	return func(ctx context.Context, messages []sessions.Message, opts agent.Options, emit func(agent.Event)) ([]sessions.Message, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return messages, ctx.Err()
		}
		if opts.OnTurnComplete != nil {
			opts.OnTurnComplete(sessions.TurnMetrics{DurationMs: delay.Milliseconds(), TotalTokens: 10})
		}
		asst := sessions.Message{
			Role:       sessions.RoleAssistant,
			Content:    []sessions.ContentBlock{sessions.Text(reply)},
			StopReason: sessions.StopEnd,
			Timestamp:  time.Now().UTC(),
		}
		return append(messages, asst), nil
	}
}

func TestSequentialRunsSameSession(t *testing.T) {
	store := newTestStore(t)
	meta, err := store.Create(sessions.CreateOptions{Name: "serial test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	o := NewOrchestrator(store, passthroughPrepare, discardLogger())
	defer o.Close()
	o.loop = replyLoop(50*time.Millisecond, "done")

	fc := &frameCollector{}
	o.Enqueue(meta.ID, "first", fc.emit)
	o.Enqueue(meta.ID, "second", fc.emit)

	fc.waitFrames(t, FrameMessageComplete, 2)
	frames := fc.snapshot()

	// The second run must not start before the first one completed.
	firstComplete, secondStart := -1, -1
	starts := 0
	for i, f := range frames {
		switch f.Type {
		case FrameRunStart:
			starts++
			if starts == 2 {
				secondStart = i
			}
		case FrameMessageComplete:
			if firstComplete < 0 {
				firstComplete = i
			}
		}
	}
	if secondStart < firstComplete {
		t.Errorf("second run started at frame %d before first completed at %d", secondStart, firstComplete)
	}

	var startedAts []time.Time
	for _, f := range frames {
		if f.Type == FrameRunStart {
			ts, err := time.Parse(time.RFC3339Nano, f.StartedAt)
			if err != nil {
				t.Fatalf("bad startedAt %q: %v", f.StartedAt, err)
			}
			startedAts = append(startedAts, ts)
		}
	}
	if len(startedAts) != 2 {
		t.Fatalf("run_start frames = %d", len(startedAts))
	}
	if gap := startedAts[1].Sub(startedAts[0]); gap < 50*time.Millisecond {
		t.Errorf("second run started %v after first, want >= 50ms", gap)
	}

	// The log is a contiguous user/assistant alternation: the second
	// user append lands strictly after the first run's terminal message.
	records, err := store.Records(meta.ID)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d, want 4", len(records))
	}
	wantRoles := []sessions.Role{sessions.RoleUser, sessions.RoleAssistant, sessions.RoleUser, sessions.RoleAssistant}
	for i, r := range records {
		if r.Seq != i+1 {
			t.Errorf("record %d seq = %d", i, r.Seq)
		}
		if r.Role != wantRoles[i] {
			t.Errorf("record %d role = %s, want %s", i, r.Role, wantRoles[i])
		}
	}

	// Turn metrics accumulated once per run.
	meta, _ = store.Get(meta.ID)
	if meta.Metrics.TotalTurns != 2 || meta.Metrics.TotalTokens != 20 {
		t.Errorf("metrics = %+v", meta.Metrics)
	}
}

func TestQueueOverflow(t *testing.T) {
	store := newTestStore(t)
	meta, err := store.Create(sessions.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	o := NewOrchestrator(store, passthroughPrepare, discardLogger())
	defer o.Close()
	o.loop = func(ctx context.Context, messages []sessions.Message, opts agent.Options, emit func(agent.Event)) ([]sessions.Message, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return messages, nil
	}

	fc := &frameCollector{}
	o.Enqueue(meta.ID, "running", fc.emit)
	<-started

	for i := 0; i < queueDepth; i++ {
		o.Enqueue(meta.ID, "queued", fc.emit)
	}
	o.Enqueue(meta.ID, "overflow", fc.emit)

	errs := fc.waitFrames(t, FrameError, 1)
	if errs[0].Message != queueFullMessage {
		t.Errorf("error = %q, want %q", errs[0].Message, queueFullMessage)
	}

	close(release)
	// Drain the in-flight run plus the queued ones.
	for i := 0; i < queueDepth; i++ {
		<-started
	}
}

func TestCancelActiveRun(t *testing.T) {
	store := newTestStore(t)
	meta, err := store.Create(sessions.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	o := NewOrchestrator(store, passthroughPrepare, discardLogger())
	defer o.Close()
	o.loop = func(ctx context.Context, messages []sessions.Message, opts agent.Options, emit func(agent.Event)) ([]sessions.Message, error) {
		<-ctx.Done()
		return messages, ctx.Err()
	}

	fc := &frameCollector{}
	o.Enqueue(meta.ID, "long task", fc.emit)

	starts := fc.waitFrames(t, FrameRunStart, 1)
	o.Cancel(meta.ID, starts[0].RunID)

	errs := fc.waitFrames(t, FrameError, 1)
	if !strings.Contains(errs[0].Message, "context canceled") {
		t.Errorf("error = %q", errs[0].Message)
	}
}

func TestRunUnknownSession(t *testing.T) {
	store := newTestStore(t)
	o := NewOrchestrator(store, passthroughPrepare, discardLogger())
	defer o.Close()

	fc := &frameCollector{}
	o.Enqueue("01ARZ3NDEKTSV4RRFFQ69G5FAV", "hello", fc.emit)

	errs := fc.waitFrames(t, FrameError, 1)
	if !strings.Contains(errs[0].Message, "Session not found") {
		t.Errorf("error = %q", errs[0].Message)
	}
}

func TestTitleGenerationOnFirstExchange(t *testing.T) {
	store := newTestStore(t)
	meta, err := store.Create(sessions.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	prepare := func(meta *sessions.Metadata) (RunConfig, error) {
		return RunConfig{
			Title: func(ctx context.Context, prompt string) (string, error) {
				return "Fixing The Tests", nil
			},
		}, nil
	}
	o := NewOrchestrator(store, prepare, discardLogger())
	defer o.Close()
	o.loop = replyLoop(0, "sure")

	fc := &frameCollector{}
	o.Enqueue(meta.ID, "fix the tests", fc.emit)

	renamed := fc.waitFrames(t, FrameSessionRenamed, 1)
	if renamed[0].Name != "Fixing The Tests" {
		t.Errorf("renamed to %q", renamed[0].Name)
	}
	meta, _ = store.Get(meta.ID)
	if meta.Name != "Fixing The Tests" {
		t.Errorf("persisted name = %q", meta.Name)
	}

	// A second run on the now-named session must not rename again.
	o.Enqueue(meta.ID, "and the docs", fc.emit)
	fc.waitFrames(t, FrameMessageComplete, 2)
	var renames int
	for _, f := range fc.snapshot() {
		if f.Type == FrameSessionRenamed {
			renames++
		}
	}
	if renames != 1 {
		t.Errorf("session_renamed frames = %d, want 1", renames)
	}
}

func TestFrameForMapping(t *testing.T) {
	tc := sessions.ToolCall("tc1", "read", map[string]any{"path": "/tmp/x"})
	tr := sessions.ToolResultMessage("tc1", "read", "contents", false)
	streamTextDelta := provider.StreamEvent{Type: provider.EventTextDelta, Delta: "hel"}
	streamToolEnd := provider.StreamEvent{Type: provider.EventToolCallEnd, ToolCall: &tc}
	streamThinking := provider.StreamEvent{Type: provider.EventThinkingDelta, Delta: "hmm"}

	tests := []struct {
		name string
		ev   agent.Event
		want Frame
		ok   bool
	}{
		{
			"text delta",
			agent.Event{Type: agent.EventStream, Stream: &streamTextDelta},
			Frame{Type: FrameStreamDelta, Delta: "hel"},
			true,
		},
		{
			"toolcall end",
			agent.Event{Type: agent.EventStream, Stream: &streamToolEnd},
			Frame{Type: FrameToolStart, ID: "tc1", Name: "read", Arguments: tc.Arguments},
			true,
		},
		{
			"thinking delta dropped",
			agent.Event{Type: agent.EventStream, Stream: &streamThinking},
			Frame{},
			false,
		},
		{
			"tool result",
			agent.Event{Type: agent.EventToolResult, ToolResult: &tr},
			Frame{Type: FrameToolResult, ToolCallID: "tc1", ToolName: "read", Content: "contents"},
			true,
		},
		{
			"status",
			agent.Event{Type: agent.EventStatus, Status: &agent.StatusEvent{Attempt: 2, DelayMs: 500, Status: 429, Message: "retrying"}},
			Frame{Type: FrameStatus, Attempt: 2, DelayMs: 500, Status: 429, Message: "retrying"},
			true,
		},
		{
			"error",
			agent.Event{Type: agent.EventError, Message: "boom"},
			Frame{Type: FrameError, Message: "boom"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := frameFor(tt.ev)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Type != tt.want.Type || got.Delta != tt.want.Delta ||
				got.ID != tt.want.ID || got.Name != tt.want.Name ||
				got.ToolCallID != tt.want.ToolCallID || got.Content != tt.want.Content ||
				got.Attempt != tt.want.Attempt || got.Status != tt.want.Status ||
				got.Message != tt.want.Message {
				t.Errorf("frame = %+v, want %+v", got, tt.want)
			}
		})
	}
}
