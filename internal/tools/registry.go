package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool categories gate which tools scoped registries expose.
type Category string

const (
	CategoryRead  Category = "read"
	CategoryWrite Category = "write"
	CategoryAdmin Category = "admin"
)

// Defaults applied by the executor when a tool leaves them unset.
const (
	DefaultOutputLimit = 200_000
	DefaultTimeout     = 120 * time.Second
	MinTimeout         = time.Second
)

// ExecFunc runs a tool. Implementations must honor ctx cancellation.
type ExecFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool describes one registered callable.
type Tool struct {
	Name        string
	Description string
	Category    Category
	Parameters  map[string]any
	OutputLimit int           // bytes; 0 = DefaultOutputLimit
	Timeout     time.Duration // 0 = DefaultTimeout
	Execute     ExecFunc

	schema *jsonschema.Schema
}

// compileSchema prepares the argument validator once per registration.
func (t *Tool) compileSchema() error {
	if t.Parameters == nil {
		return nil
	}
	data, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s: marshal schema: %w", t.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + t.Name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("tool %s: schema resource: %w", t.Name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
	}
	t.schema = schema
	return nil
}

// WorkflowToolPrefix marks tools generated from workflow definitions.
const WorkflowToolPrefix = "workflow_"

// Registry owns the tool map. Replacement installs a fresh map so agent
// loop iterations holding the previous snapshot stay consistent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds one tool; duplicate names fail.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %s has no execute function", t.Name)
	}
	if err := t.compileSchema(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// ReplaceAll swaps the entire tool set atomically (hot reload).
func (r *Registry) ReplaceAll(tools []*Tool) error {
	next := make(map[string]*Tool, len(tools))
	for _, t := range tools {
		if t.Name == "" || t.Execute == nil {
			return fmt.Errorf("invalid tool in replacement set: %q", t.Name)
		}
		if err := t.compileSchema(); err != nil {
			return err
		}
		if _, dup := next[t.Name]; dup {
			return fmt.Errorf("tool %s duplicated in replacement set", t.Name)
		}
		next[t.Name] = t
	}
	r.mu.Lock()
	r.tools = next
	r.mu.Unlock()
	return nil
}

// ReplaceWorkflowTools swaps only the workflow_-prefixed entries.
func (r *Registry) ReplaceWorkflowTools(tools []*Tool) error {
	for _, t := range tools {
		if !strings.HasPrefix(t.Name, WorkflowToolPrefix) {
			return fmt.Errorf("tool %s is not a workflow tool", t.Name)
		}
		if err := t.compileSchema(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*Tool, len(r.tools))
	for name, t := range r.tools {
		if !strings.HasPrefix(name, WorkflowToolPrefix) {
			next[name] = t
		}
	}
	for _, t := range tools {
		next[t.Name] = t
	}
	r.tools = next
	return nil
}

// Get looks up one tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the tools sorted by name.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schema is the provider-facing tool descriptor.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"input_schema"`
}

// Schemas returns the provider-facing descriptors sorted by name.
func (r *Registry) Schemas() []Schema {
	tools := r.All()
	schemas := make([]Schema, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		schemas = append(schemas, Schema{Name: t.Name, Description: t.Description, Parameters: params})
	}
	return schemas
}

// Scoped derives a registry view containing only the named tools. Used by
// the cron scheduler to restrict job tool access.
func (r *Registry) Scoped(keep func(*Tool) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := make(map[string]*Tool)
	for name, t := range r.tools {
		if keep(t) {
			next[name] = t
		}
	}
	return &Registry{tools: next}
}
