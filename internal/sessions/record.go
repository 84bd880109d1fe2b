package sessions

import "time"

// SchemaVersion of the persisted JSONL records.
const SchemaVersion = 1

// Record types on the wire.
const (
	RecordTypeMessage    = "message"
	RecordTypeCompaction = "compaction"
)

// Record is one immutable line in session.jsonl, tagged by RecordType.
// Message records persist role + content; compaction records persist a
// summary overlay. Fields of the other variant stay empty.
type Record struct {
	Seq           int       `json:"seq"`
	RecordType    string    `json:"recordType"`
	SchemaVersion int       `json:"schemaVersion"`
	Timestamp     time.Time `json:"timestamp"`

	// Message variant
	Role       Role           `json:"role,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	IsError    bool           `json:"isError,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`

	// Compaction variant
	Summary       string   `json:"summary,omitempty"`
	FirstKeptSeq  int      `json:"firstKeptSeq,omitempty"`
	TokensBefore  int      `json:"tokensBefore,omitempty"`
	ReadFiles     []string `json:"readFiles,omitempty"`
	ModifiedFiles []string `json:"modifiedFiles,omitempty"`
}

// AppendInput is what callers hand to AppendMessage. Thinking blocks are
// dropped at persistence time; the seq and timestamp are assigned by the
// store under the session lock.
type AppendInput struct {
	Role       Role
	Content    []ContentBlock
	IsError    bool
	ToolCallID string
	ToolName   string
}

// ToAppendInput converts a runtime message into its persistable form.
func ToAppendInput(m Message) AppendInput {
	return AppendInput{
		Role:       m.Role,
		Content:    persistableBlocks(m.Content),
		IsError:    m.IsError,
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
	}
}

// persistableBlocks filters content down to text and toolCall blocks.
func persistableBlocks(blocks []ContentBlock) []ContentBlock {
	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case BlockText, BlockToolCall:
			out = append(out, b)
		}
	}
	return out
}

// ToMessage replays a message record as a runtime message.
func (r Record) ToMessage() Message {
	return Message{
		Role:       r.Role,
		Content:    r.Content,
		ToolCallID: r.ToolCallID,
		ToolName:   r.ToolName,
		IsError:    r.IsError,
		Timestamp:  r.Timestamp,
	}
}

// Metadata is the per-session metadata.json document.
type Metadata struct {
	ID                   string    `json:"id"`
	CreatedAt            time.Time `json:"createdAt"`
	LastMessageAt        time.Time `json:"lastMessageAt"`
	MessageCount         int       `json:"messageCount"`
	NextSeq              int       `json:"nextSeq"`
	Model                string    `json:"model,omitempty"`
	Name                 string    `json:"name"`
	Source               string    `json:"source"`
	CronJobID            string    `json:"cronJobId,omitempty"`
	SystemPromptOverride string    `json:"systemPromptOverride,omitempty"`
	Metrics              Metrics   `json:"metrics"`
}

// Metrics accumulates per-session turn totals.
type Metrics struct {
	TotalTurns      int64 `json:"totalTurns"`
	TotalTokens     int64 `json:"totalTokens"`
	TotalToolCalls  int64 `json:"totalToolCalls"`
	TotalDurationMs int64 `json:"totalDurationMs"`
}

// Session sources.
const (
	SourceInteractive = "interactive"
	SourceCron        = "cron"
)

// DefaultName is the placeholder replaced by title generation.
const DefaultName = "New Session"

// EstimateTokens is the chars/4 heuristic used for compaction budgeting.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 1
	}
	return (len(s) + 3) / 4
}

// messageTokens estimates one record's token weight from its blocks.
func messageTokens(r Record) int {
	total := 0
	for _, b := range r.Content {
		switch b.Type {
		case BlockText:
			total += EstimateTokens(b.Text)
		case BlockToolCall:
			total += EstimateTokens(b.Name) + EstimateTokens(b.ArgumentsJSON())
		}
	}
	if total == 0 {
		total = 1
	}
	return total
}
