package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is what a tool execution hands back to the agent loop.
type Result struct {
	Content string
	IsError bool
}

func errorResult(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// ExecuteTool validates arguments, races execution against the tool's
// timeout, and truncates oversized output. Outer ctx cancellation aborts
// the tool; the returned error is non-nil only for cancellation.
func ExecuteTool(ctx context.Context, reg *Registry, name string, args map[string]any, logger *slog.Logger) (Result, error) {
	tool, ok := reg.Get(name)
	if !ok {
		return errorResult("Unknown tool: %s", name), nil
	}

	if tool.schema != nil {
		if err := tool.schema.Validate(anyArgs(args)); err != nil {
			return Result{Content: formatValidationError(err), IsError: true}, nil
		}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout < MinTimeout {
		timeout = MinTimeout
	}
	inner, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				if logger != nil {
					logger.Error("tool_panic", "tool", name, "panic", fmt.Sprint(p))
				}
				done <- outcome{err: fmt.Errorf("%v", p)}
			}
		}()
		content, err := tool.Execute(inner, args)
		done <- outcome{content: content, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-inner.Done():
		if ctx.Err() != nil {
			// Outer cancellation dominates the tool's own timeout.
			return Result{}, ctx.Err()
		}
		return errorResult("Tool execution timed out after %dms.", timeout.Milliseconds()), nil
	}

	if out.err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return errorResult("Tool execution failed: %s", out.err.Error()), nil
	}

	limit := tool.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	content := out.content
	if len(content) > limit {
		content = content[:limit] + "\n[output truncated]"
	}
	return Result{Content: content}, nil
}

// anyArgs normalizes the argument map for the validator; jsonschema
// expects decoded JSON values.
func anyArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

// formatValidationError flattens nested schema violations into
// "<path>: <message>" lines.
func formatValidationError(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "Invalid arguments: " + err.Error()
	}
	var lines []string
	collectCauses(ve, &lines)
	sort.Strings(lines)
	return "Invalid arguments:\n" + strings.Join(lines, "\n")
}

func collectCauses(ve *jsonschema.ValidationError, lines *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*lines = append(*lines, fmt.Sprintf("%s: %s", loc, ve.Message))
		return
	}
	for _, c := range ve.Causes {
		collectCauses(c, lines)
	}
}
