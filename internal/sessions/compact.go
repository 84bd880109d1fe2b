package sessions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CompactionOptions controls when and how much history is folded into a
// summary overlay.
type CompactionOptions struct {
	Enabled          bool
	KeepRecentTokens int
	ReserveTokens    int
}

// Summarize modes passed to the external summarizer.
const (
	SummarizeInitial = "initial"
	SummarizeUpdate  = "update"
)

// SummarizeFunc produces the replacement summary for a serialized
// history prefix. mode is "initial" or "update".
type SummarizeFunc func(ctx context.Context, mode, prompt string) (string, error)

const fallbackExcerptBytes = 500

// Compact folds the oldest portion of the message history into a
// compaction record. Returns (nil, false, nil) when nothing needs doing.
func Compact(ctx context.Context, records []Record, opts CompactionOptions, estimate func(string) int, summarize SummarizeFunc) (*Record, bool, error) {
	var msgs []Record
	maxSeq := 0
	prevIdx := -1
	for i, r := range records {
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
		switch r.RecordType {
		case RecordTypeMessage:
			msgs = append(msgs, r)
		case RecordTypeCompaction:
			prevIdx = i
		}
	}
	// Only messages after the previous overlay are candidates.
	if prevIdx >= 0 {
		firstKept := records[prevIdx].FirstKeptSeq
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Seq >= firstKept {
				kept = append(kept, m)
			}
		}
		msgs = kept
	}
	if len(msgs) < 2 {
		return nil, false, nil
	}

	// Walk newest to oldest until the recent window is full.
	cutIndex := 0
	acc := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		acc += tokensOf(msgs[i], estimate)
		if acc >= opts.KeepRecentTokens {
			cutIndex = i
			break
		}
	}

	// Never split a tool result from the assistant turn that requested it.
	for cutIndex > 0 && splitsToolPair(msgs, cutIndex) {
		cutIndex--
	}
	if cutIndex <= 0 || cutIndex >= len(msgs) {
		return nil, false, nil
	}

	compactable := msgs[:cutIndex]
	serialized := serializeMessages(compactable)

	var prev *Record
	if prevIdx >= 0 {
		prev = &records[prevIdx]
	}

	mode := SummarizeInitial
	prompt := serialized
	if prev != nil {
		mode = SummarizeUpdate
		prompt = "<previous-summary>\n" + prev.Summary + "\n</previous-summary>\n\n" + serialized
	}

	summary, err := summarize(ctx, mode, prompt)
	if err != nil {
		return nil, false, fmt.Errorf("summarize: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		summary = fallbackSummary(serialized, len(compactable))
	}

	readFiles, modifiedFiles := collectFileSets(compactable, prev)

	tokensBefore := 0
	for _, m := range compactable {
		tokensBefore += tokensOf(m, estimate)
	}

	rec := &Record{
		Seq:           maxSeq + 1,
		RecordType:    RecordTypeCompaction,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
		Summary:       summary,
		FirstKeptSeq:  msgs[cutIndex].Seq,
		TokensBefore:  tokensBefore,
		ReadFiles:     readFiles,
		ModifiedFiles: modifiedFiles,
	}
	return rec, true, nil
}

func tokensOf(r Record, estimate func(string) int) int {
	if estimate == nil {
		return messageTokens(r)
	}
	total := 0
	for _, b := range r.Content {
		switch b.Type {
		case BlockText:
			total += estimate(b.Text)
		case BlockToolCall:
			total += estimate(b.Name) + estimate(b.ArgumentsJSON())
		}
	}
	if total == 0 {
		total = 1
	}
	return total
}

// splitsToolPair reports whether cutting at idx would strand a tool
// result from the assistant message carrying its toolCall.
func splitsToolPair(msgs []Record, idx int) bool {
	m := msgs[idx]
	if m.Role != RoleToolResult || m.ToolCallID == "" {
		return false
	}
	prev := msgs[idx-1]
	if prev.Role != RoleAssistant {
		return false
	}
	for _, b := range prev.Content {
		if b.Type == BlockToolCall && b.ID == m.ToolCallID {
			return true
		}
	}
	return false
}

// serializeMessages flattens a message prefix into the summarizer prompt
// body, one block per message.
func serializeMessages(msgs []Record) string {
	var sb strings.Builder
	for _, m := range msgs {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		switch m.Role {
		case RoleUser:
			sb.WriteString("[User]: ")
			sb.WriteString(m.ToMessage().Text())
		case RoleAssistant:
			text := m.ToMessage().Text()
			calls := m.ToMessage().ToolCalls()
			if text != "" {
				sb.WriteString("[Assistant]: ")
				sb.WriteString(text)
			}
			if len(calls) > 0 {
				if text != "" {
					sb.WriteString("\n")
				}
				sb.WriteString("[Assistant tool calls]: ")
				for i, c := range calls {
					if i > 0 {
						sb.WriteString(", ")
					}
					sb.WriteString(c.Name)
					sb.WriteString("(")
					sb.WriteString(c.ArgumentsJSON())
					sb.WriteString(")")
				}
			}
			if text == "" && len(calls) == 0 {
				sb.WriteString("[Assistant]: ")
			}
		case RoleToolResult:
			sb.WriteString("[Tool result]: ")
			sb.WriteString(m.ToMessage().Text())
		}
	}
	return sb.String()
}

// fallbackSummary is used when the summarizer returns nothing.
func fallbackSummary(serialized string, count int) string {
	excerpt := serialized
	if len(excerpt) > fallbackExcerptBytes {
		excerpt = excerpt[:fallbackExcerptBytes]
	}
	return fmt.Sprintf(
		"Summary unavailable. %d earlier messages were compacted. Excerpt of the original conversation:\n%s",
		count, excerpt)
}

// collectFileSets derives readFiles/modifiedFiles from read/write tool
// calls in the compacted prefix, merged with the prior overlay's sets. A
// write invalidates an earlier read of the same path.
func collectFileSets(msgs []Record, prev *Record) (readFiles, modifiedFiles []string) {
	read := map[string]bool{}
	modified := map[string]bool{}
	if prev != nil {
		for _, p := range prev.ReadFiles {
			read[p] = true
		}
		for _, p := range prev.ModifiedFiles {
			modified[p] = true
		}
	}

	for _, m := range msgs {
		for _, b := range m.Content {
			if b.Type != BlockToolCall {
				continue
			}
			path, _ := b.Arguments["path"].(string)
			if path == "" {
				continue
			}
			switch b.Name {
			case "read", "read_file":
				read[path] = true
			case "write", "write_file", "edit":
				modified[path] = true
			}
		}
	}

	for p := range modified {
		delete(read, p)
	}

	readFiles = sortedKeys(read)
	modifiedFiles = sortedKeys(modified)
	return readFiles, modifiedFiles
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
