package sessions

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func msgRecord(seq int, role Role, blocks ...ContentBlock) Record {
	return Record{Seq: seq, RecordType: RecordTypeMessage, SchemaVersion: SchemaVersion, Role: role, Content: blocks}
}

// flatEstimate weighs every block the same so token math is predictable.
func flatEstimate(tokens int) func(string) int {
	return func(string) int { return tokens }
}

func staticSummarize(s string) SummarizeFunc {
	return func(ctx context.Context, mode, prompt string) (string, error) { return s, nil }
}

func TestCompactToolBoundaryGuard(t *testing.T) {
	records := []Record{
		msgRecord(1, RoleUser, Text("u1")),
		msgRecord(2, RoleAssistant, ToolCall("c", "read", map[string]any{"path": "/tmp/f"})),
		{Seq: 3, RecordType: RecordTypeMessage, SchemaVersion: SchemaVersion, Role: RoleToolResult, ToolCallID: "c", ToolName: "read", Content: []ContentBlock{Text("tr1")}},
		msgRecord(4, RoleAssistant, Text("a2")),
	}

	// Per-message 60 against keepRecentTokens=100: the window fills at the
	// tool result, and the guard must back off to the assistant turn.
	rec, ok, err := Compact(context.Background(), records,
		CompactionOptions{Enabled: true, KeepRecentTokens: 100},
		func(s string) int { return 60 },
		staticSummarize("sum"))
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !ok {
		t.Fatal("expected compaction")
	}
	if rec.FirstKeptSeq == 3 {
		t.Fatal("firstKeptSeq = 3 splits the toolCall/toolResult pair")
	}
	if rec.FirstKeptSeq != 2 {
		t.Errorf("firstKeptSeq = %d, want 2", rec.FirstKeptSeq)
	}
	if rec.Seq != 5 {
		t.Errorf("compaction seq = %d, want 5", rec.Seq)
	}
	if rec.TokensBefore != 60 {
		t.Errorf("tokensBefore = %d, want 60", rec.TokensBefore)
	}
}

func TestCompactTooFewMessages(t *testing.T) {
	records := []Record{msgRecord(1, RoleUser, Text("only"))}
	_, ok, err := Compact(context.Background(), records,
		CompactionOptions{Enabled: true, KeepRecentTokens: 1},
		flatEstimate(1000), staticSummarize("s"))
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if ok {
		t.Error("single message must not compact")
	}
}

func TestCompactEverythingFits(t *testing.T) {
	records := []Record{
		msgRecord(1, RoleUser, Text("a")),
		msgRecord(2, RoleAssistant, Text("b")),
	}
	_, ok, err := Compact(context.Background(), records,
		CompactionOptions{Enabled: true, KeepRecentTokens: 10000},
		flatEstimate(1), staticSummarize("s"))
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if ok {
		t.Error("history under the keep window must not compact")
	}
}

func TestCompactSerialization(t *testing.T) {
	records := []Record{
		msgRecord(1, RoleUser, Text("question")),
		msgRecord(2, RoleAssistant, Text("thinking aloud"), ToolCall("c1", "grep", map[string]any{"pattern": "x"})),
		{Seq: 3, RecordType: RecordTypeMessage, SchemaVersion: SchemaVersion, Role: RoleToolResult, ToolCallID: "c1", ToolName: "grep", Content: []ContentBlock{Text("match")}},
		msgRecord(4, RoleAssistant, Text("answer")),
		msgRecord(5, RoleUser, Text("followup")),
	}

	var gotPrompt, gotMode string
	_, ok, err := Compact(context.Background(), records,
		CompactionOptions{Enabled: true, KeepRecentTokens: 1},
		flatEstimate(1),
		func(ctx context.Context, mode, prompt string) (string, error) {
			gotMode, gotPrompt = mode, prompt
			return "done", nil
		})
	if err != nil || !ok {
		t.Fatalf("Compact: ok=%v err=%v", ok, err)
	}
	if gotMode != SummarizeInitial {
		t.Errorf("mode = %q, want initial", gotMode)
	}
	for _, want := range []string{
		"[User]: question",
		"[Assistant]: thinking aloud",
		`[Assistant tool calls]: grep({"pattern":"x"})`,
		"[Tool result]: match",
	} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("serialization missing %q:\n%s", want, gotPrompt)
		}
	}
}

func TestCompactUpdateModeWrapsPreviousSummary(t *testing.T) {
	records := []Record{
		msgRecord(1, RoleUser, Text("old")),
		{Seq: 2, RecordType: RecordTypeCompaction, SchemaVersion: SchemaVersion, Summary: "prior summary", FirstKeptSeq: 3, ReadFiles: []string{"/tmp/seen.txt"}},
		msgRecord(3, RoleUser, Text("middle")),
		msgRecord(4, RoleAssistant, Text("reply")),
		msgRecord(5, RoleUser, Text("latest")),
	}

	var gotPrompt, gotMode string
	rec, ok, err := Compact(context.Background(), records,
		CompactionOptions{Enabled: true, KeepRecentTokens: 1},
		flatEstimate(1),
		func(ctx context.Context, mode, prompt string) (string, error) {
			gotMode, gotPrompt = mode, prompt
			return "merged", nil
		})
	if err != nil || !ok {
		t.Fatalf("Compact: ok=%v err=%v", ok, err)
	}
	if gotMode != SummarizeUpdate {
		t.Errorf("mode = %q, want update", gotMode)
	}
	if !strings.Contains(gotPrompt, "<previous-summary>\nprior summary\n</previous-summary>") {
		t.Errorf("previous summary not wrapped:\n%s", gotPrompt)
	}
	if strings.Contains(gotPrompt, "[User]: old") {
		t.Error("messages before the prior overlay re-serialized")
	}
	if rec.Seq != 6 {
		t.Errorf("seq = %d, want 6", rec.Seq)
	}
	// The prior read set carries forward.
	if len(rec.ReadFiles) != 1 || rec.ReadFiles[0] != "/tmp/seen.txt" {
		t.Errorf("readFiles = %v, want carried-over /tmp/seen.txt", rec.ReadFiles)
	}
}

func TestCompactEmptySummaryFallback(t *testing.T) {
	records := []Record{
		msgRecord(1, RoleUser, Text(strings.Repeat("long prefix ", 100))),
		msgRecord(2, RoleAssistant, Text("a")),
		msgRecord(3, RoleUser, Text("b")),
	}
	rec, ok, err := Compact(context.Background(), records,
		CompactionOptions{Enabled: true, KeepRecentTokens: 1},
		flatEstimate(1), staticSummarize("   "))
	if err != nil || !ok {
		t.Fatalf("Compact: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(rec.Summary, "Summary unavailable") {
		t.Errorf("fallback summary missing: %q", rec.Summary)
	}
	if !strings.Contains(rec.Summary, "[User]: long prefix") {
		t.Errorf("fallback excerpt missing: %q", rec.Summary)
	}
}

func TestCompactSummarizeError(t *testing.T) {
	records := []Record{
		msgRecord(1, RoleUser, Text("a")),
		msgRecord(2, RoleAssistant, Text("b")),
		msgRecord(3, RoleUser, Text("c")),
	}
	_, ok, err := Compact(context.Background(), records,
		CompactionOptions{Enabled: true, KeepRecentTokens: 1},
		flatEstimate(1),
		func(ctx context.Context, mode, prompt string) (string, error) {
			return "", errors.New("provider down")
		})
	if err == nil || ok {
		t.Errorf("expected error, got ok=%v err=%v", ok, err)
	}
}

func TestCompactFileSets(t *testing.T) {
	records := []Record{
		msgRecord(1, RoleAssistant,
			ToolCall("c1", "read", map[string]any{"path": "/b.txt"}),
			ToolCall("c2", "read_file", map[string]any{"path": "/a.txt"}),
		),
		msgRecord(2, RoleAssistant,
			ToolCall("c3", "write", map[string]any{"path": "/a.txt"}),
		),
		msgRecord(3, RoleUser, Text("keep me")),
		msgRecord(4, RoleAssistant, Text("kept")),
	}
	rec, ok, err := Compact(context.Background(), records,
		CompactionOptions{Enabled: true, KeepRecentTokens: 2},
		flatEstimate(1), staticSummarize("s"))
	if err != nil || !ok {
		t.Fatalf("Compact: ok=%v err=%v", ok, err)
	}
	// The write to /a.txt invalidates its earlier read.
	if len(rec.ReadFiles) != 1 || rec.ReadFiles[0] != "/b.txt" {
		t.Errorf("readFiles = %v, want [/b.txt]", rec.ReadFiles)
	}
	if len(rec.ModifiedFiles) != 1 || rec.ModifiedFiles[0] != "/a.txt" {
		t.Errorf("modifiedFiles = %v, want [/a.txt]", rec.ModifiedFiles)
	}
}
