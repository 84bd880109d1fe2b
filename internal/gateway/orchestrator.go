package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawd/internal/agent"
	"github.com/nextlevelbuilder/clawd/internal/provider"
	"github.com/nextlevelbuilder/clawd/internal/sessions"
)

// queueDepth caps pending runs per session.
const queueDepth = 8

const queueFullMessage = "Session queue is full. Please retry later."

// LoopFunc matches agent.Run; swapped in tests.
type LoopFunc func(ctx context.Context, messages []sessions.Message, opts agent.Options, emit func(agent.Event)) ([]sessions.Message, error)

// RunConfig is the per-run snapshot the runtime supplies: which model to
// call, how to build context, and how to title new sessions.
type RunConfig struct {
	Options    agent.Options
	RunContext sessions.RunContextConfig
	Title      sessions.TitleFunc
}

// PrepareFunc resolves the current RunConfig when a run starts, so a hot
// reload between runs takes effect without restarting the gateway.
type PrepareFunc func(meta *sessions.Metadata) (RunConfig, error)

type job struct {
	content string
	emit    func(Frame)
}

type sessionQueue struct {
	jobs chan job
}

// Orchestrator serializes runs per session and maps agent events onto
// WebSocket frames. One worker goroutine per touched session drains its
// FIFO queue.
type Orchestrator struct {
	store   *sessions.Store
	prepare PrepareFunc
	loop    LoopFunc
	logger  *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	queues map[string]*sessionQueue
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(store *sessions.Store, prepare PrepareFunc, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   store,
		prepare: prepare,
		loop:    agent.Run,
		logger:  logger.With("module", "gateway"),
		baseCtx: ctx,
		cancel:  cancel,
		queues:  make(map[string]*sessionQueue),
		active:  make(map[string]context.CancelFunc),
	}
}

// Enqueue adds one send_message job to the session's FIFO queue. A full
// queue is reported to the caller without touching in-flight runs.
func (o *Orchestrator) Enqueue(sessionID, content string, emit func(Frame)) {
	o.mu.Lock()
	q, ok := o.queues[sessionID]
	if !ok {
		q = &sessionQueue{jobs: make(chan job, queueDepth)}
		o.queues[sessionID] = q
		o.wg.Add(1)
		go o.worker(sessionID, q)
	}
	o.mu.Unlock()

	select {
	case q.jobs <- job{content: content, emit: emit}:
	default:
		o.logger.Warn("session_queue_full", "session_id", sessionID)
		emit(Frame{Type: FrameError, SessionID: sessionID, Message: queueFullMessage})
	}
}

// Cancel aborts the identified active run, if any.
func (o *Orchestrator) Cancel(sessionID, runID string) {
	o.mu.Lock()
	cancel, ok := o.active[sessionID+":"+runID]
	o.mu.Unlock()
	if ok {
		o.logger.Info("run_cancelled", "session_id", sessionID, "run_id", runID)
		cancel()
	}
}

// Close cancels every active run and stops the queue workers.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) worker(sessionID string, q *sessionQueue) {
	defer o.wg.Done()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case j := <-q.jobs:
			o.runStep(sessionID, j)
		}
	}
}

func (o *Orchestrator) runStep(sessionID string, j job) {
	runID := sessions.NewID()
	emit := func(f Frame) {
		f.SessionID = sessionID
		f.RunID = runID
		j.emit(f)
	}
	logger := o.logger.With("session_id", sessionID, "run_id", runID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("run_panicked", "panic", fmt.Sprint(r))
			emit(Frame{Type: FrameError, Message: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	ctx, cancel := context.WithCancel(o.baseCtx)
	key := sessionID + ":" + runID
	o.mu.Lock()
	o.active[key] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, key)
		o.mu.Unlock()
		cancel()
	}()

	meta, err := o.store.Get(sessionID)
	if err != nil {
		emit(Frame{Type: FrameError, Message: "Session not found: " + sessionID})
		return
	}

	cfg, err := o.prepare(meta)
	if err != nil {
		logger.Error("run_prepare_failed", "error", err)
		emit(Frame{Type: FrameError, Message: err.Error()})
		return
	}

	emit(Frame{Type: FrameRunStart, StartedAt: time.Now().UTC().Format(time.RFC3339Nano)})

	if _, err := o.store.AppendMessage(sessionID, sessions.AppendInput{
		Role:    sessions.RoleUser,
		Content: []sessions.ContentBlock{sessions.Text(j.content)},
	}); err != nil {
		logger.Error("user_append_failed", "error", err)
		emit(Frame{Type: FrameError, Message: err.Error()})
		return
	}

	meta, err = o.store.Get(sessionID)
	if err != nil {
		emit(Frame{Type: FrameError, Message: err.Error()})
		return
	}
	shouldGenerateTitle := meta.Name == sessions.DefaultName && meta.MessageCount == 1

	messages, err := o.store.BuildContextForRun(ctx, sessionID, cfg.RunContext)
	if err != nil {
		logger.Error("context_build_failed", "error", err)
		emit(Frame{Type: FrameError, Message: err.Error()})
		return
	}

	opts := cfg.Options
	opts.SessionID = sessionID
	opts.RunID = runID
	opts.Logger = o.logger
	opts.OnTurnComplete = func(tm sessions.TurnMetrics) {
		if err := o.store.RecordTurnMetrics(sessionID, tm); err != nil {
			logger.Warn("turn_metrics_failed", "error", err)
		}
	}

	final, runErr := o.loop(ctx, messages, opts, func(ev agent.Event) {
		if f, ok := frameFor(ev); ok {
			emit(f)
		}
	})

	// Everything the loop produced is persisted even when the run failed
	// partway, so the log stays the source of truth.
	for _, m := range final[len(messages):] {
		if _, err := o.store.AppendMessage(sessionID, sessions.ToAppendInput(m)); err != nil {
			logger.Error("message_persist_failed", "error", err)
			emit(Frame{Type: FrameError, Message: err.Error()})
			return
		}
	}

	if runErr != nil {
		emit(Frame{Type: FrameError, Message: runErr.Error()})
		return
	}

	finalText := ""
	for i := len(final) - 1; i >= len(messages); i-- {
		if final[i].Role == sessions.RoleAssistant {
			finalText = final[i].Text()
			break
		}
	}
	emit(Frame{Type: FrameMessageComplete, Content: finalText})

	if shouldGenerateTitle && cfg.Title != nil {
		go o.generateTitle(sessionID, j.content, finalText, cfg.Title, emit)
	}
}

// generateTitle runs fire-and-forget; failures are logged and swallowed.
func (o *Orchestrator) generateTitle(sessionID, userText, assistantText string, gen sessions.TitleFunc, emit func(Frame)) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	name, renamed, err := o.store.GenerateTitle(ctx, sessionID, sessions.TitleInput{
		UserText:      userText,
		AssistantText: assistantText,
		Generate:      gen,
	})
	if err != nil {
		o.logger.Warn("title_generation_failed", "session_id", sessionID, "error", err)
		return
	}
	if renamed {
		emit(Frame{Type: FrameSessionRenamed, Name: name})
	}
}

// frameFor maps one agent event onto its wire frame.
func frameFor(ev agent.Event) (Frame, bool) {
	switch ev.Type {
	case agent.EventStream:
		switch ev.Stream.Type {
		case provider.EventTextDelta:
			return Frame{Type: FrameStreamDelta, Delta: ev.Stream.Delta}, true
		case provider.EventToolCallEnd:
			tc := ev.Stream.ToolCall
			return Frame{Type: FrameToolStart, ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}, true
		}
		return Frame{}, false
	case agent.EventToolResult:
		tr := ev.ToolResult
		return Frame{
			Type:       FrameToolResult,
			ToolCallID: tr.ToolCallID,
			ToolName:   tr.ToolName,
			Content:    tr.Text(),
			IsError:    tr.IsError,
		}, true
	case agent.EventStatus:
		st := ev.Status
		return Frame{
			Type:    FrameStatus,
			Attempt: st.Attempt,
			DelayMs: st.DelayMs,
			Status:  st.Status,
			Message: st.Message,
		}, true
	case agent.EventError:
		return Frame{Type: FrameError, Message: ev.Message}, true
	}
	return Frame{}, false
}
