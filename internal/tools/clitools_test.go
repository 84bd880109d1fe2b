package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/clawd/internal/security"
)

func TestLoadCLITools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	os.WriteFile(path, []byte(`
tools:
  - name: word_count
    description: Count words in text
    category: read
    cmd: wc
    args: ["-w"]
    parameters:
      verbose:
        type: boolean
        optional: true
`), 0o644)

	docs, err := LoadCLITools(path)
	if err != nil {
		t.Fatalf("LoadCLITools: %v", err)
	}
	if len(docs) != 1 || docs[0].Name != "word_count" || docs[0].Cmd != "wc" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestBuildCLIToolUnknownType(t *testing.T) {
	_, err := BuildCLITool(CLIToolDoc{
		Name: "bad",
		Cmd:  "true",
		Parameters: map[string]CLIParameter{
			"x": {Type: "object"},
		},
	}, &security.Policy{})
	if err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Errorf("err = %v, want unknown type", err)
	}
}

func TestCLIToolTemplateAndOptionalArgs(t *testing.T) {
	policy := &security.Policy{}
	tool, err := BuildCLITool(CLIToolDoc{
		Name:        "echo_args",
		Description: "echo rendered args",
		Category:    "read",
		Cmd:         "echo",
		Args:        []string{"base={{ value }}", "missing={{ nope }}"},
		OptionalArgs: map[string][]string{
			"extra": {"--extra", "{{ extra }}"},
		},
		Parameters: map[string]CLIParameter{
			"value": {Type: "string"},
			"extra": {Type: "string", Optional: true},
		},
	}, policy)
	if err != nil {
		t.Fatalf("BuildCLITool: %v", err)
	}

	out, err := tool.Execute(context.Background(), map[string]any{"value": "v1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out) != "base=v1 missing=" {
		t.Errorf("rendered = %q", out)
	}

	out, err = tool.Execute(context.Background(), map[string]any{"value": "v1", "extra": "e1"})
	if err != nil {
		t.Fatalf("execute with optional: %v", err)
	}
	if !strings.Contains(out, "--extra e1") {
		t.Errorf("optional args missing: %q", out)
	}
}

func TestCLIToolNoShellMetacharacters(t *testing.T) {
	tool, err := BuildCLITool(CLIToolDoc{
		Name: "echo_raw",
		Cmd:  "echo",
		Args: []string{"{{ value }}"},
		Parameters: map[string]CLIParameter{
			"value": {Type: "string"},
		},
	}, &security.Policy{})
	if err != nil {
		t.Fatalf("BuildCLITool: %v", err)
	}

	// Without a shell, $(...) and ; stay literal text.
	out, err := tool.Execute(context.Background(), map[string]any{"value": "$(whoami); rm x"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out) != "$(whoami); rm x" {
		t.Errorf("metacharacters interpreted: %q", out)
	}
}

func TestCLIToolEnvResolution(t *testing.T) {
	t.Setenv("CLAWD_CLI_HOME", "/opt/cli")
	tool, err := BuildCLIToolWithEnvProbe(t)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "TOOL_HOME=/opt/cli") {
		t.Errorf("env not resolved: %q", out)
	}
	if !strings.Contains(out, "LITERAL=as-is") {
		t.Errorf("literal env lost: %q", out)
	}
}

// BuildCLIToolWithEnvProbe builds a tool that dumps its environment.
func BuildCLIToolWithEnvProbe(t *testing.T) (*Tool, error) {
	t.Helper()
	return BuildCLITool(CLIToolDoc{
		Name: "env_probe",
		Cmd:  "env",
		Env: map[string]string{
			"TOOL_HOME": "${CLAWD_CLI_HOME}",
			"LITERAL":   "as-is",
		},
	}, &security.Policy{})
}
