package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/clawd/internal/security"
)

func TestRegisterBuiltins(t *testing.T) {
	policy, _ := testPolicy(t)
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, policy, BuiltinOptions{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	for _, name := range []string{"read", "write", "edit", "bash", "ls", "grep", "find", "read_file", "write_file", "list_directory"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("builtin %s not registered", name)
		}
	}
}

func TestLegacyAliasExecutes(t *testing.T) {
	policy, dir := testPolicy(t)
	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("aliased"), 0o644)

	reg := NewRegistry()
	if err := RegisterBuiltins(reg, policy, BuiltinOptions{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	res, err := ExecuteTool(context.Background(), reg, "read_file", map[string]any{"path": path}, nil)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if res.IsError || !strings.Contains(res.Content, "aliased") {
		t.Errorf("alias read failed: %+v", res)
	}
}

func TestCanonicalName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"read_file", "read"},
		{"write_file", "write"},
		{"list_directory", "ls"},
		{"grep", "grep"},
	}
	for _, tt := range tests {
		if got := CanonicalName(tt.in); got != tt.want {
			t.Errorf("CanonicalName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPolicyEnvHelper(t *testing.T) {
	p := &security.Policy{AllowedEnv: []string{"PATH"}}
	env := p.Env(map[string]string{"EXTRA": "1"})
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "EXTRA=1") {
		t.Errorf("override missing: %v", env)
	}
}
