package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/nextlevelbuilder/clawd/internal/tools"
)

// ErrNotFound is returned for unknown workflow names.
var ErrNotFound = errors.New("workflow not found")

// Step statuses in a run result.
const (
	StepSuccess = "success"
	StepFailed  = "failed"
	StepSkipped = "skipped"
	StepPending = "pending"
)

// failureText flags assistant output that reads like a failure report.
var failureText = regexp.MustCompile(`\b(fail(ed)?|error)\b`)

// StepResult is one step's outcome in a run.
type StepResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result is the full run outcome.
type Result struct {
	Workflow  string       `json:"workflow"`
	SessionID string       `json:"sessionId"`
	Steps     []StepResult `json:"steps"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
}

// StepOutcome is what the agent-loop adapter reports per step.
type StepOutcome struct {
	Output           string
	MaxIterationsHit bool
	ToolErrored      bool
}

// StepRunner appends the prompt to the session and drives one agent
// turn, returning the terminal assistant output.
type StepRunner func(ctx context.Context, sessionID, prompt string) (StepOutcome, error)

// SessionFactory creates the fresh session a workflow runs inside.
type SessionFactory func(name string) (string, error)

// Engine executes workflow definitions step by step.
type Engine struct {
	workflows  map[string]*Workflow
	newSession SessionFactory
	runStep    StepRunner
	logger     *slog.Logger
}

func NewEngine(workflows []*Workflow, newSession SessionFactory, runStep StepRunner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]*Workflow, len(workflows))
	for _, wf := range workflows {
		byName[wf.Name] = wf
	}
	return &Engine{
		workflows:  byName,
		newSession: newSession,
		runStep:    runStep,
		logger:     logger.With("module", "workflow"),
	}
}

// Get looks up one workflow.
func (e *Engine) Get(name string) (*Workflow, bool) {
	wf, ok := e.workflows[name]
	return wf, ok
}

// List returns the definitions sorted by name.
func (e *Engine) List() []*Workflow {
	out := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run executes a workflow. Parameter validation failures return an
// error; step failures are reported in the result per on_failure policy.
func (e *Engine) Run(ctx context.Context, name string, params map[string]any) (*Result, error) {
	wf, ok := e.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := wf.ValidateParams(params); err != nil {
		return nil, err
	}
	params = wf.ApplyDefaults(params)

	sessionID, err := e.newSession("[workflow] " + wf.Name)
	if err != nil {
		return nil, fmt.Errorf("create workflow session: %w", err)
	}

	result := &Result{Workflow: wf.Name, SessionID: sessionID}
	for range wf.Steps {
		result.Steps = append(result.Steps, StepResult{Status: StepPending})
	}
	for i, s := range wf.Steps {
		result.Steps[i].Name = s.Name
	}

	skipRemaining := false
	halted := false
	for i, step := range wf.Steps {
		if halted {
			break
		}
		if skipRemaining {
			result.Steps[i].Status = StepSkipped
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if step.Condition != "" {
			pass, err := EvalCondition(step.Condition, params)
			if err != nil {
				e.logger.Warn("workflow_condition_error", "workflow", wf.Name, "step", step.Name, "error", err)
				result.Steps[i].Status = StepSkipped
				result.Steps[i].Error = "condition error: " + err.Error()
				continue
			}
			if !pass {
				result.Steps[i].Status = StepSkipped
				continue
			}
		}

		fail := func(reason string) {
			e.failStep(result, i, reason)
			switch step.OnFailure {
			case OnFailureContinue:
			case OnFailureSkipRemaining:
				skipRemaining = true
			default:
				halted = true
			}
		}

		prompt, err := ExpandTemplate(step.Prompt, params)
		if err != nil {
			fail("template error: " + err.Error())
			continue
		}

		outcome, err := e.runStep(ctx, sessionID, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			fail(err.Error())
			continue
		}

		result.Steps[i].Output = outcome.Output
		if reason := classifyFailure(outcome); reason != "" {
			fail(reason)
			continue
		}
		result.Steps[i].Status = StepSuccess
	}

	result.Success = true
	for _, s := range result.Steps {
		if s.Status == StepFailed {
			result.Success = false
			result.Error = s.Error
			break
		}
	}
	e.logger.Info("workflow_finished", "workflow", wf.Name, "session_id", sessionID, "success", result.Success)
	return result, nil
}

func (e *Engine) failStep(result *Result, i int, reason string) {
	result.Steps[i].Status = StepFailed
	result.Steps[i].Error = reason
	e.logger.Warn("workflow_step_failed", "workflow", result.Workflow, "step", result.Steps[i].Name, "error", reason)
}

func classifyFailure(o StepOutcome) string {
	switch {
	case o.MaxIterationsHit:
		return "maximum iteration limit reached"
	case o.ToolErrored:
		return "a tool call returned an error"
	case failureText.MatchString(o.Output):
		return "assistant reported a failure"
	default:
		return ""
	}
}

// Tools exposes each workflow as an agent tool named workflow_<name>.
func (e *Engine) Tools() []*tools.Tool {
	defs := e.List()
	out := make([]*tools.Tool, 0, len(defs))
	for _, wf := range defs {
		wf := wf
		out = append(out, &tools.Tool{
			Name:        tools.WorkflowToolPrefix + wf.Name,
			Description: wf.Description,
			Category:    tools.CategoryAdmin,
			Parameters:  wf.ParameterSchema(),
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				res, err := e.Run(ctx, wf.Name, args)
				if err != nil {
					return "", err
				}
				data, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return "", err
				}
				return string(data), nil
			},
		})
	}
	return out
}
