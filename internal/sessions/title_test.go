package sessions

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGenerateTitle(t *testing.T) {
	s := newTestStore(t)
	meta, _ := s.Create(CreateOptions{})

	name, renamed, err := s.GenerateTitle(context.Background(), meta.ID, TitleInput{
		UserText:      "how do I parse YAML in Go",
		AssistantText: "use gopkg.in/yaml.v3",
		Generate: func(ctx context.Context, prompt string) (string, error) {
			if !strings.Contains(prompt, "how do I parse YAML in Go") {
				t.Errorf("prompt missing user text: %q", prompt)
			}
			if !strings.Contains(prompt, `\n`) {
				t.Errorf("prompt template lost its escape sequences: %q", prompt)
			}
			return "\"Parsing YAML in Go\"\n", nil
		},
	})
	if err != nil {
		t.Fatalf("GenerateTitle: %v", err)
	}
	if !renamed || name != "Parsing YAML in Go" {
		t.Errorf("renamed=%v name=%q", renamed, name)
	}

	got, _ := s.Get(meta.ID)
	if got.Name != "Parsing YAML in Go" {
		t.Errorf("persisted name = %q", got.Name)
	}
}

func TestGenerateTitleSkipsCustomName(t *testing.T) {
	s := newTestStore(t)
	meta, _ := s.Create(CreateOptions{Name: "my project"})

	name, renamed, err := s.GenerateTitle(context.Background(), meta.ID, TitleInput{
		UserText: "hello",
		Generate: func(ctx context.Context, prompt string) (string, error) {
			t.Fatal("generator must not run for a named session")
			return "", nil
		},
	})
	if err != nil {
		t.Fatalf("GenerateTitle: %v", err)
	}
	if renamed || name != "my project" {
		t.Errorf("renamed=%v name=%q, want no-op", renamed, name)
	}
}

func TestGenerateTitleFallback(t *testing.T) {
	s := newTestStore(t)
	meta, _ := s.Create(CreateOptions{})

	long := strings.Repeat("explain this code ", 10)
	name, renamed, err := s.GenerateTitle(context.Background(), meta.ID, TitleInput{
		UserText: long,
		Generate: func(ctx context.Context, prompt string) (string, error) {
			return "", errors.New("model unavailable")
		},
	})
	if err != nil {
		t.Fatalf("GenerateTitle: %v", err)
	}
	if !renamed {
		t.Fatal("fallback must still rename")
	}
	if !strings.HasSuffix(name, "...") || len(name) != 63 {
		t.Errorf("fallback name = %q (len %d)", name, len(name))
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Simple Title", "Simple Title"},
		{"  \"Quoted Title\"  ", "Quoted Title"},
		{"line one\nline two", "line one line two"},
		{"one two three four five six seven eight", "one two three four five six"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := normalizeTitle(tt.in); got != tt.want {
			t.Errorf("normalizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFallbackTitle(t *testing.T) {
	long := strings.Repeat("a", 80)
	got := fallbackTitle(long)
	if len(got) != 63 || !strings.HasSuffix(got, "...") {
		t.Errorf("fallbackTitle(long) = %q (len %d)", got, len(got))
	}
	if fallbackTitle("short question") != "short question" {
		t.Error("short text must pass through")
	}
}
