package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step failure policies.
const (
	OnFailureHalt          = "halt"
	OnFailureContinue      = "continue"
	OnFailureSkipRemaining = "skip_remaining"
)

// Parameter describes one workflow input.
type Parameter struct {
	Type    string   `yaml:"type"`
	Enum    []string `yaml:"enum"`
	Default any      `yaml:"default"`
}

// Step is one prompt in a workflow.
type Step struct {
	Name      string `yaml:"name"`
	Prompt    string `yaml:"prompt"`
	Condition string `yaml:"condition"`
	OnFailure string `yaml:"on_failure"`
}

// Workflow is one YAML definition.
type Workflow struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description"`
	Parameters  map[string]Parameter `yaml:"parameters"`
	Steps       []Step               `yaml:"steps"`
}

// Load parses a single workflow file.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := wf.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &wf, nil
}

// LoadDir loads every .yaml/.yml workflow in a directory, sorted by
// name. A missing directory is an empty set, not an error.
func LoadDir(dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var workflows []*Workflow
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		wf, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })
	return workflows, nil
}

func (wf *Workflow) validate() error {
	if wf.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", wf.Name)
	}
	for name, p := range wf.Parameters {
		switch p.Type {
		case "string", "number", "boolean":
		default:
			return fmt.Errorf("workflow %s: parameter %s has unknown type %q", wf.Name, name, p.Type)
		}
	}
	seen := map[string]bool{}
	for i, s := range wf.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %s: step %d has no name", wf.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s: duplicate step name %q", wf.Name, s.Name)
		}
		seen[s.Name] = true
		if s.Prompt == "" {
			return fmt.Errorf("workflow %s: step %s has no prompt", wf.Name, s.Name)
		}
		switch s.OnFailure {
		case "", OnFailureHalt, OnFailureContinue, OnFailureSkipRemaining:
		default:
			return fmt.Errorf("workflow %s: step %s has invalid on_failure %q", wf.Name, s.Name, s.OnFailure)
		}
	}
	return nil
}

// ParameterSchema synthesizes the JSON schema for the workflow's inputs.
func (wf *Workflow) ParameterSchema() map[string]any {
	props := map[string]any{}
	var required []string
	names := make([]string, 0, len(wf.Parameters))
	for name := range wf.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := wf.Parameters[name]
		prop := map[string]any{"type": p.Type}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		props[name] = prop
		if p.Default == nil {
			required = append(required, name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ApplyDefaults fills missing parameters from their declared defaults.
func (wf *Workflow) ApplyDefaults(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for name, p := range wf.Parameters {
		if _, ok := out[name]; !ok && p.Default != nil {
			out[name] = p.Default
		}
	}
	return out
}

// ValidateParams checks the provided values against the declarations.
func (wf *Workflow) ValidateParams(params map[string]any) error {
	for name := range params {
		if _, ok := wf.Parameters[name]; !ok {
			return fmt.Errorf("unknown parameter %q", name)
		}
	}
	var missing []string
	for name, p := range wf.Parameters {
		v, ok := params[name]
		if !ok {
			if p.Default == nil {
				missing = append(missing, name)
			}
			continue
		}
		if err := checkParamType(name, p, v); err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}

func checkParamType(name string, p Parameter, v any) error {
	switch p.Type {
	case "string":
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("parameter %q must be a string", name)
		}
		if len(p.Enum) > 0 {
			for _, e := range p.Enum {
				if e == s {
					return nil
				}
			}
			return fmt.Errorf("parameter %q must be one of %v", name, p.Enum)
		}
	case "number":
		switch v.(type) {
		case float64, int:
		default:
			return fmt.Errorf("parameter %q must be a number", name)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean", name)
		}
	}
	return nil
}
