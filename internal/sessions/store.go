package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown or invalid session IDs.
var ErrNotFound = errors.New("session not found")

const (
	logFileName      = "session.jsonl"
	metadataFileName = "metadata.json"

	// listConcurrency bounds parallel metadata reads during List.
	listConcurrency = 8
)

// Store owns the per-session files under <root>/<id>/ and serializes all
// mutation through a per-session lock. Records are append-only; metadata
// is replaced atomically via temp file + rename.
type Store struct {
	root   string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu         sync.Mutex
	reconciled bool
	records    []Record // context cache; nil = rebuild from disk
}

func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:     root,
		logger:   logger.With("module", "sessions"),
		sessions: make(map[string]*sessionState),
	}, nil
}

// Root returns the sessions root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) state(id string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		st = &sessionState{}
		s.sessions[id] = st
	}
	return st
}

func (s *Store) dir(id string) string      { return filepath.Join(s.root, id) }
func (s *Store) logPath(id string) string  { return filepath.Join(s.dir(id), logFileName) }
func (s *Store) metaPath(id string) string { return filepath.Join(s.dir(id), metadataFileName) }

// CreateOptions customizes a new session.
type CreateOptions struct {
	Name                 string
	Model                string
	Source               string
	CronJobID            string
	SystemPromptOverride string
}

// Create generates an ID, creates the session directory, an empty JSONL
// log, and initial metadata.
func (s *Store) Create(opts CreateOptions) (*Metadata, error) {
	id := NewID()
	dir := s.dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(s.logPath(id), nil, 0o644); err != nil {
		return nil, fmt.Errorf("create session log: %w", err)
	}

	now := time.Now().UTC()
	meta := &Metadata{
		ID:                   id,
		CreatedAt:            now,
		LastMessageAt:        now,
		MessageCount:         0,
		NextSeq:              1,
		Model:                opts.Model,
		Name:                 opts.Name,
		Source:               opts.Source,
		CronJobID:            opts.CronJobID,
		SystemPromptOverride: opts.SystemPromptOverride,
	}
	if meta.Name == "" {
		meta.Name = DefaultName
	}
	if meta.Source == "" {
		meta.Source = SourceInteractive
	}

	if err := s.writeMetadata(id, meta); err != nil {
		return nil, err
	}

	st := s.state(id)
	st.mu.Lock()
	st.reconciled = true
	st.records = []Record{}
	st.mu.Unlock()

	s.logger.Info("session_created", "session_id", id, "source", meta.Source)
	return meta, nil
}

// Get reads metadata, reconciling nextSeq against the log on the first
// access in this process.
func (s *Store) Get(id string) (*Metadata, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	st := s.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.lockedGet(id, st)
}

// lockedGet is Get with st.mu already held.
func (s *Store) lockedGet(id string, st *sessionState) (*Metadata, error) {
	meta, err := s.readMetadata(id)
	if err != nil {
		return nil, err
	}
	if st.reconciled {
		return meta, nil
	}

	records, err := s.readRecords(id)
	if err != nil {
		return nil, err
	}
	maxSeq := 0
	if len(records) > 0 {
		maxSeq = records[len(records)-1].Seq
	}
	if next := maxSeq + 1; next > meta.NextSeq {
		s.logger.Warn("session_reconciled", "session_id", id, "meta_next_seq", meta.NextSeq, "log_next_seq", next)
		meta.NextSeq = next
		if err := s.writeMetadata(id, meta); err != nil {
			return nil, err
		}
	}
	st.reconciled = true
	st.records = records
	return meta, nil
}

// ListItem is the lightweight listing entry.
type ListItem struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Model         string    `json:"model,omitempty"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	MessageCount  int       `json:"messageCount"`
}

// List scans the sessions root with bounded concurrency, newest first.
func (s *Store) List() ([]ListItem, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan sessions root: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && ValidID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}

	items := make([]ListItem, len(ids))
	ok := make([]bool, len(ids))
	sem := make(chan struct{}, listConcurrency)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			meta, err := s.readMetadata(id)
			if err != nil {
				s.logger.Warn("session_list_skip", "session_id", id, "error", err)
				return
			}
			items[i] = ListItem{
				ID:            meta.ID,
				Name:          meta.Name,
				Model:         meta.Model,
				Source:        meta.Source,
				CreatedAt:     meta.CreatedAt,
				LastMessageAt: meta.LastMessageAt,
				MessageCount:  meta.MessageCount,
			}
			ok[i] = true
		}(i, id)
	}
	wg.Wait()

	out := items[:0]
	for i := range items {
		if ok[i] {
			out = append(out, items[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

// Delete removes the session directory.
func (s *Store) Delete(id string) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	st := s.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, err := os.Stat(s.dir(id)); os.IsNotExist(err) {
		return ErrNotFound
	}
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return err
	}
	st.reconciled = false
	st.records = nil
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// AppendMessage appends one record under the session lock, assigning the
// next seq and refreshing metadata atomically.
func (s *Store) AppendMessage(id string, in AppendInput) (*Record, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	st := s.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	meta, err := s.lockedGet(id, st)
	if err != nil {
		return nil, err
	}

	record := Record{
		Seq:           meta.NextSeq,
		RecordType:    RecordTypeMessage,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
		Role:          in.Role,
		Content:       persistableBlocks(in.Content),
		IsError:       in.IsError,
		ToolCallID:    in.ToolCallID,
		ToolName:      in.ToolName,
	}

	if err := s.appendRecord(id, record); err != nil {
		return nil, err
	}

	meta.NextSeq++
	meta.MessageCount++
	meta.LastMessageAt = record.Timestamp
	if err := s.writeMetadata(id, meta); err != nil {
		// The log line landed but metadata is stale: force the next Get
		// to rebuild from disk.
		st.reconciled = false
		st.records = nil
		return nil, fmt.Errorf("append metadata: %w", err)
	}

	if st.records != nil {
		st.records = append(st.records, record)
	}
	return &record, nil
}

// appendCompaction persists a compaction overlay record (same locking
// discipline as messages; called with st.mu held).
func (s *Store) appendCompactionLocked(id string, st *sessionState, meta *Metadata, rec Record) error {
	if err := s.appendRecord(id, rec); err != nil {
		return err
	}
	meta.NextSeq = rec.Seq + 1
	meta.MessageCount++
	meta.LastMessageAt = rec.Timestamp
	if err := s.writeMetadata(id, meta); err != nil {
		st.reconciled = false
		st.records = nil
		return fmt.Errorf("compaction metadata: %w", err)
	}
	if st.records != nil {
		st.records = append(st.records, rec)
	}
	return nil
}

// BuildContext replays the session's records into the message list the
// model sees, applying the latest compaction overlay. Read-only.
func (s *Store) BuildContext(id string) ([]Message, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	st := s.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.buildContextLocked(id, st)
}

func (s *Store) buildContextLocked(id string, st *sessionState) ([]Message, error) {
	records, err := s.recordsLocked(id, st)
	if err != nil {
		return nil, err
	}
	return ReplayContext(records), nil
}

// ReplayContext applies the latest compaction overlay to a record list.
func ReplayContext(records []Record) []Message {
	latest := -1
	for i, r := range records {
		if r.RecordType == RecordTypeCompaction {
			latest = i
		}
	}

	var messages []Message
	firstKept := 0
	if latest >= 0 {
		c := records[latest]
		firstKept = c.FirstKeptSeq
		messages = append(messages, Message{
			Role: RoleUser,
			Content: []ContentBlock{Text(fmt.Sprintf(
				"The conversation history before this point was compacted into the following summary:\n<summary>\n%s\n</summary>",
				c.Summary))},
			Timestamp: c.Timestamp,
		})
	}

	for _, r := range records {
		if r.RecordType != RecordTypeMessage {
			continue
		}
		if latest >= 0 && r.Seq < firstKept {
			continue
		}
		messages = append(messages, r.ToMessage())
	}
	return messages
}

// RunContextConfig configures BuildContextForRun.
type RunContextConfig struct {
	Compaction    CompactionOptions
	ContextWindow int
	Summarize     SummarizeFunc
}

// BuildContextForRun rebuilds the context under the session lock and, if
// the estimated size exceeds the window budget, runs the compaction
// engine first and replays on top of the new overlay.
func (s *Store) BuildContextForRun(ctx context.Context, id string, rc RunContextConfig) ([]Message, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	st := s.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	messages, err := s.buildContextLocked(id, st)
	if err != nil {
		return nil, err
	}

	if !rc.Compaction.Enabled || rc.Summarize == nil || rc.ContextWindow <= 0 {
		return messages, nil
	}

	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Text())
		for _, tc := range m.ToolCalls() {
			total += EstimateTokens(tc.Name) + EstimateTokens(tc.ArgumentsJSON())
		}
	}
	if total <= rc.ContextWindow-rc.Compaction.ReserveTokens {
		return messages, nil
	}

	records, err := s.recordsLocked(id, st)
	if err != nil {
		return nil, err
	}
	rec, compacted, err := Compact(ctx, records, rc.Compaction, EstimateTokens, rc.Summarize)
	if err != nil {
		s.logger.Warn("compaction_failed", "session_id", id, "error", err)
		return messages, nil
	}
	if !compacted {
		return messages, nil
	}

	meta, err := s.lockedGet(id, st)
	if err != nil {
		return nil, err
	}
	if err := s.appendCompactionLocked(id, st, meta, *rec); err != nil {
		return nil, err
	}
	s.logger.Info("session_compacted",
		"session_id", id,
		"first_kept_seq", rec.FirstKeptSeq,
		"tokens_before", rec.TokensBefore,
	)
	return s.buildContextLocked(id, st)
}

// TurnMetrics is one agent turn's accounting.
type TurnMetrics struct {
	DurationMs   int64
	InputTokens  int64
	OutputTokens int64
	ToolCalls    int64
	TotalTokens  int64
}

// RecordTurnMetrics accumulates turn totals into metadata.
func (s *Store) RecordTurnMetrics(id string, tm TurnMetrics) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	st := s.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	meta, err := s.lockedGet(id, st)
	if err != nil {
		return err
	}
	meta.Metrics.TotalTurns++
	meta.Metrics.TotalTokens += tm.TotalTokens
	meta.Metrics.TotalToolCalls += tm.ToolCalls
	meta.Metrics.TotalDurationMs += tm.DurationMs
	return s.writeMetadata(id, meta)
}

// SetModel records the model used by the session.
func (s *Store) SetModel(id, model string) error {
	st := s.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	meta, err := s.lockedGet(id, st)
	if err != nil {
		return err
	}
	if meta.Model == model {
		return nil
	}
	meta.Model = model
	return s.writeMetadata(id, meta)
}

// Records returns the full ordered record list (for inspection/API).
func (s *Store) Records(id string) ([]Record, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	st := s.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	recs, err := s.recordsLocked(id, st)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

func (s *Store) recordsLocked(id string, st *sessionState) ([]Record, error) {
	if st.reconciled && st.records != nil {
		return st.records, nil
	}
	if _, err := s.lockedGet(id, st); err != nil {
		return nil, err
	}
	if st.records == nil {
		records, err := s.readRecords(id)
		if err != nil {
			return nil, err
		}
		st.records = records
	}
	return st.records, nil
}

// readRecords parses session.jsonl, silently discarding a trailing
// partial line (crash during append) while keeping all complete records.
func (s *Store) readRecords(id string) ([]Record, error) {
	f, err := os.Open(s.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	var records []Record
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// No trailing newline: the final line is a partial write and
			// is dropped; everything before it already parsed.
			break
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		var rec Record
		if jsonErr := json.Unmarshal([]byte(line), &rec); jsonErr != nil {
			s.logger.Warn("session_record_skipped", "session_id", id, "error", jsonErr)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// appendRecord writes one JSONL line in a single append.
func (s *Store) appendRecord(id string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.logPath(id), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) readMetadata(id string) (*Metadata, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// writeMetadata replaces metadata.json atomically (temp file + rename).
func (s *Store) writeMetadata(id string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	dir := s.dir(id)
	tmp, err := os.CreateTemp(dir, "metadata-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.metaPath(id)); err != nil {
		return err
	}
	cleanup = false
	return nil
}
