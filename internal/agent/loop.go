package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawd/internal/provider"
	"github.com/nextlevelbuilder/clawd/internal/sessions"
	"github.com/nextlevelbuilder/clawd/internal/telemetry"
	"github.com/nextlevelbuilder/clawd/internal/tools"
)

// DefaultMaxIterations bounds the stream/tool loop per run.
const DefaultMaxIterations = 20

// MaxIterationsMessage is the synthetic assistant text on exhaustion.
const MaxIterationsMessage = "Stopped: maximum iteration limit reached."

// Event types emitted to the run's sink.
const (
	EventStream     = "stream"
	EventToolResult = "toolResult"
	EventStatus     = "status"
	EventError      = "error"
)

// Event is the tagged union delivered to the run orchestrator.
type Event struct {
	Type       string
	Stream     *provider.StreamEvent
	ToolResult *sessions.Message
	Status     *StatusEvent
	Message    string
}

// Options configures one agent run.
type Options struct {
	Model        provider.ModelRef
	Stream       provider.StreamFunc
	Registry     *tools.Registry
	SystemPrompt string

	MaxIterations  int
	Retry          *RetryConfig
	APIKeyResolver func(ctx context.Context) (string, error)
	Logger         *slog.Logger
	OnTurnComplete func(sessions.TurnMetrics)

	SessionID string
	RunID     string
}

// Run drives the bounded stream/tool iteration until the model stops
// requesting tools or the iteration cap is hit. The returned slice is
// the input messages plus everything the run produced.
func Run(ctx context.Context, messages []sessions.Message, opts Options, emit func(Event)) ([]sessions.Message, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "agent", "session_id", opts.SessionID, "run_id", opts.RunID)

	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if emit == nil {
		emit = func(Event) {}
	}

	start := time.Now()
	var toolCalls int64
	var inputTokens, outputTokens, totalTokens int64

	finishTurn := func() {
		if opts.OnTurnComplete != nil {
			opts.OnTurnComplete(sessions.TurnMetrics{
				DurationMs:   time.Since(start).Milliseconds(),
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				ToolCalls:    toolCalls,
				TotalTokens:  totalTokens,
			})
		}
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return messages, err
		}

		var apiKey string
		if opts.APIKeyResolver != nil {
			key, err := opts.APIKeyResolver(ctx)
			if err != nil {
				emit(Event{Type: EventError, Message: err.Error()})
				return messages, err
			}
			apiKey = key
		}

		req := provider.Request{
			Messages:     messages,
			SystemPrompt: opts.SystemPrompt,
		}
		if opts.Registry != nil {
			req.Tools = opts.Registry.Schemas()
		}

		op := func(ctx context.Context) (*sessions.Message, error) {
			ctx, span := telemetry.Tracer().Start(ctx, "llm.stream", trace.WithAttributes(
				attribute.String("llm.model", opts.Model.Name),
				attribute.Int("run.iteration", iteration),
			))
			msg, err := opts.Stream(ctx, opts.Model, req, provider.StreamOptions{APIKey: apiKey}, func(ev provider.StreamEvent) {
				emit(Event{Type: EventStream, Stream: &ev})
			})
			telemetry.EndSpan(span, err)
			return msg, err
		}

		var assistant *sessions.Message
		var err error
		if opts.Retry != nil {
			assistant, err = WithRetry(ctx, *opts.Retry, func(se StatusEvent) {
				logger.Warn("provider_retry", "attempt", se.Attempt, "status", se.Status, "delay_ms", se.DelayMs)
				emit(Event{Type: EventStatus, Status: &se})
			}, op)
		} else {
			assistant, err = op(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return messages, ctx.Err()
			}
			logger.Error("stream_failed", "iteration", iteration, "error", err)
			emit(Event{Type: EventError, Message: err.Error()})
			return messages, err
		}

		messages = append(messages, *assistant)
		if assistant.Usage != nil {
			inputTokens += int64(assistant.Usage.Input)
			outputTokens += int64(assistant.Usage.Output)
			totalTokens += int64(assistant.Usage.TotalTokens)
		}

		if assistant.StopReason != sessions.StopToolUse {
			finishTurn()
			return messages, nil
		}

		for _, call := range assistant.ToolCalls() {
			if err := ctx.Err(); err != nil {
				return messages, err
			}

			toolCtx, span := telemetry.Tracer().Start(ctx, "tool."+call.Name, trace.WithAttributes(
				attribute.String("tool.name", call.Name),
			))
			res, err := tools.ExecuteTool(toolCtx, opts.Registry, call.Name, call.Arguments, logger)
			telemetry.EndSpan(span, err)
			if err != nil {
				// Only cancellation surfaces as an error here.
				return messages, err
			}
			logToolSignals(logger, call.Name, res)

			toolCalls++
			result := sessions.ToolResultMessage(call.ID, call.Name, res.Content, res.IsError)
			messages = append(messages, result)
			emit(Event{Type: EventToolResult, ToolResult: &result})
		}
	}

	logger.Warn("max_iterations_reached", "max_iterations", maxIterations)
	exhausted := sessions.Message{
		Role:       sessions.RoleAssistant,
		Content:    []sessions.ContentBlock{sessions.Text(MaxIterationsMessage)},
		StopReason: sessions.StopError,
		Usage:      &sessions.Usage{},
		Timestamp:  time.Now().UTC(),
	}
	messages = append(messages, exhausted)
	emit(Event{Type: EventError, Message: MaxIterationsMessage})
	finishTurn()
	return messages, nil
}

// logToolSignals surfaces truncation, policy, and timeout markers found
// in tool output. Substring checks only; the result text is the contract.
func logToolSignals(logger *slog.Logger, tool string, res tools.Result) {
	switch {
	case strings.Contains(res.Content, "[output truncated"):
		logger.Warn("tool_output_truncated", "tool", tool)
	case strings.Contains(res.Content, "command blocked"),
		strings.Contains(res.Content, "access denied"):
		logger.Warn("tool_blocked", "tool", tool)
	case strings.Contains(res.Content, "timed out"):
		logger.Warn("tool_timeout", "tool", tool)
	}
}
