package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/clawd/internal/security"
)

// CLIToolDoc is the declarative definition of one external-command tool.
type CLIToolDoc struct {
	Name         string                  `yaml:"name"`
	Description  string                  `yaml:"description"`
	Category     string                  `yaml:"category"`
	Cmd          string                  `yaml:"cmd"`
	Args         []string                `yaml:"args"`
	OptionalArgs map[string][]string     `yaml:"optional_args"`
	Env          map[string]string       `yaml:"env"`
	Parameters   map[string]CLIParameter `yaml:"parameters"`
}

// CLIParameter describes one schema entry of a CLI tool.
type CLIParameter struct {
	Type     string   `yaml:"type"`
	Enum     []string `yaml:"enum"`
	Pattern  string   `yaml:"pattern"`
	Optional bool     `yaml:"optional"`
}

var templateRef = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)
var envRef = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// LoadCLITools parses a YAML document of tool definitions.
func LoadCLITools(path string) ([]CLIToolDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Tools []CLIToolDoc `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.Tools, nil
}

// BuildCLITool compiles one definition into a registrable tool. Schema
// construction fails on unknown parameter types.
func BuildCLITool(doc CLIToolDoc, policy *security.Policy) (*Tool, error) {
	if doc.Name == "" {
		return nil, fmt.Errorf("cli tool has no name")
	}
	if doc.Cmd == "" {
		return nil, fmt.Errorf("cli tool %s has no cmd", doc.Name)
	}

	schema, err := cliSchema(doc)
	if err != nil {
		return nil, err
	}

	category := Category(doc.Category)
	switch category {
	case CategoryRead, CategoryWrite, CategoryAdmin:
	case "":
		category = CategoryAdmin
	default:
		return nil, fmt.Errorf("cli tool %s: unknown category %q", doc.Name, doc.Category)
	}

	return &Tool{
		Name:        doc.Name,
		Description: doc.Description,
		Category:    category,
		Parameters:  schema,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return runCLITool(ctx, doc, policy, args)
		},
	}, nil
}

func cliSchema(doc CLIToolDoc) (map[string]any, error) {
	props := map[string]any{}
	var required []string
	names := make([]string, 0, len(doc.Parameters))
	for name := range doc.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := doc.Parameters[name]
		switch p.Type {
		case "string", "number", "boolean":
		default:
			return nil, fmt.Errorf("cli tool %s: parameter %s has unknown type %q", doc.Name, name, p.Type)
		}
		prop := map[string]any{"type": p.Type}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		if p.Pattern != "" {
			prop["pattern"] = p.Pattern
		}
		props[name] = prop
		if !p.Optional {
			required = append(required, name)
		}
	}
	return objectSchema(props, required...), nil
}

func runCLITool(ctx context.Context, doc CLIToolDoc, policy *security.Policy, args map[string]any) (string, error) {
	argv := make([]string, 0, len(doc.Args))
	for _, a := range doc.Args {
		argv = append(argv, renderTemplate(a, args))
	}
	// Optional argument groups join only when their parameter is present.
	optNames := make([]string, 0, len(doc.OptionalArgs))
	for name := range doc.OptionalArgs {
		optNames = append(optNames, name)
	}
	sort.Strings(optNames)
	for _, name := range optNames {
		if _, present := args[name]; !present {
			continue
		}
		for _, a := range doc.OptionalArgs[name] {
			argv = append(argv, renderTemplate(a, args))
		}
	}

	env := map[string]string{}
	for k, v := range doc.Env {
		if m := envRef.FindStringSubmatch(v); m != nil {
			env[k] = os.Getenv(m[1])
		} else {
			env[k] = v
		}
	}

	// No shell: metacharacters inside parameter values stay literal.
	cmd := exec.CommandContext(ctx, doc.Cmd, argv...)
	cmd.Env = policy.Env(env)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%v\n%s", err, string(out))
	}
	return string(out), nil
}

// renderTemplate substitutes {{ name }} references from the argument
// map; missing or non-scalar values render as the empty string.
func renderTemplate(s string, args map[string]any) string {
	return templateRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := templateRef.FindStringSubmatch(ref)[1]
		switch v := args[name].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return fmt.Sprintf("%t", v)
		case int:
			return fmt.Sprintf("%d", v)
		default:
			return ""
		}
	})
}
