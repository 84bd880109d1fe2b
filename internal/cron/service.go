package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawd/internal/tools"
)

const errSnippetMax = 200

// Runner drives one agent run for a fired job. The session name follows
// the "[cron] <id> - YYYY-MM-DD HH:MM" convention so cron sessions are
// recognizable in listings.
type Runner func(ctx context.Context, job JobConfig, sessionName string) error

// Status is a point-in-time snapshot of one scheduled job.
type Status struct {
	ID                  string     `json:"id"`
	Schedule            string     `json:"schedule"`
	Enabled             bool       `json:"enabled"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	LastStatus          string     `json:"lastStatus,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastErrorSnippet    string     `json:"lastErrorSnippet,omitempty"`
	NextRunAt           *time.Time `json:"nextRunAt,omitempty"`
}

type entry struct {
	job     JobConfig
	loc     *time.Location
	enabled bool

	running             bool
	lastFiredMinute     time.Time
	lastRunAt           time.Time
	lastStatus          string
	consecutiveFailures int
	lastErrorSnippet    string
}

// Service fires job prompts on their cron schedules. A job never
// overlaps itself, and a failing job never stops the tick loop.
type Service struct {
	runner Runner
	logger *slog.Logger
	gron   *gronx.Gronx

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewService(runner Runner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runner: runner,
		logger: logger.With("module", "cron"),
		gron:   gronx.New(),
	}
}

// Start replaces any previous job set and begins the tick loop. Jobs
// must already be validated; an invalid schedule fails the whole start
// so a reload can roll back.
func (s *Service) Start(jobs []JobConfig) error {
	if err := validateJobs(jobs); err != nil {
		return err
	}
	s.Stop()

	entries := make(map[string]*entry, len(jobs))
	for _, j := range jobs {
		loc := time.Local
		if j.Timezone != "" {
			l, err := time.LoadLocation(j.Timezone)
			if err != nil {
				return fmt.Errorf("cron job %s: %w", j.ID, err)
			}
			loc = l
		}
		entries[j.ID] = &entry{job: j, loc: loc, enabled: j.EnabledOrDefault()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.entries = entries
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx, s.done)
	s.logger.Info("cron_started", "jobs", len(jobs))
	return nil
}

// Stop halts the tick loop and waits for in-flight job runs.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.wg.Wait()
	s.logger.Info("cron_stopped")
}

// Pause disables firing for one job until Resume.
func (s *Service) Pause(id string) error {
	return s.setEnabled(id, false)
}

// Resume re-enables a paused job.
func (s *Service) Resume(id string) error {
	return s.setEnabled(id, true)
}

func (s *Service) setEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("unknown cron job %q", id)
	}
	e.enabled = enabled
	return nil
}

// Statuses snapshots every job sorted by id.
func (s *Service) Statuses() []Status {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{
			ID:                  e.job.ID,
			Schedule:            e.job.Schedule,
			Enabled:             e.enabled,
			LastStatus:          e.lastStatus,
			ConsecutiveFailures: e.consecutiveFailures,
			LastErrorSnippet:    e.lastErrorSnippet,
		}
		if !e.lastRunAt.IsZero() {
			t := e.lastRunAt
			st.LastRunAt = &t
		}
		if e.enabled {
			if next, err := gronx.NextTickAfter(e.job.Schedule, now.In(e.loc), false); err == nil {
				st.NextRunAt = &next
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case tick := <-timer.C:
			s.runDue(ctx, tick)
		}
	}
}

// runDue fires every enabled, non-running job whose schedule matches
// the given instant. Each fire runs in its own goroutine.
func (s *Service) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.enabled || e.running {
			continue
		}
		local := now.In(e.loc)
		minute := local.Truncate(time.Minute)
		if minute.Equal(e.lastFiredMinute) {
			continue
		}
		ok, err := s.gron.IsDue(e.job.Schedule, local)
		if err != nil {
			s.logger.Warn("cron_schedule_error", "job_id", e.job.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		e.running = true
		e.lastFiredMinute = minute
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go s.fire(ctx, e, now)
	}
}

func (s *Service) fire(ctx context.Context, e *entry, now time.Time) {
	defer s.wg.Done()
	job := e.job
	sessionName := fmt.Sprintf("[cron] %s - %s", job.ID, now.In(e.loc).Format("2006-01-02 15:04"))
	s.logger.Info("cron_fire", "job_id", job.ID, "session_name", sessionName)

	err := s.runJob(ctx, job, sessionName)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.running = false
	e.lastRunAt = now
	if err != nil {
		e.lastStatus = "error"
		e.consecutiveFailures++
		snippet := err.Error()
		if len(snippet) > errSnippetMax {
			snippet = snippet[:errSnippetMax]
		}
		e.lastErrorSnippet = snippet
		s.logger.Warn("cron_job_failed", "job_id", job.ID,
			"consecutive_failures", e.consecutiveFailures, "error", err)
		return
	}
	e.lastStatus = "success"
	e.consecutiveFailures = 0
	e.lastErrorSnippet = ""
	s.logger.Info("cron_job_done", "job_id", job.ID)
}

// runJob isolates the runner so a panicking job is recorded as a
// failure instead of taking down the scheduler.
func (s *Service) runJob(ctx context.Context, job JobConfig, sessionName string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron job panicked: %v", r)
		}
	}()
	return s.runner(ctx, job, sessionName)
}

// ScopedRegistry derives the restricted tool view a cron job runs with.
// Admin tools are never visible. Without an allow list only read tools
// pass; with one, names are alias-normalized and matched against it.
func ScopedRegistry(reg *tools.Registry, policy *Policy) *tools.Registry {
	allowed := map[string]bool{}
	if policy != nil {
		for _, name := range policy.AllowedTools {
			allowed[tools.CanonicalName(name)] = true
		}
	}
	return reg.Scoped(func(t *tools.Tool) bool {
		if t.Category == tools.CategoryAdmin {
			return false
		}
		if len(allowed) == 0 {
			return t.Category == tools.CategoryRead
		}
		return allowed[tools.CanonicalName(t.Name)]
	})
}

// MaxIterations resolves the per-job iteration cap.
func MaxIterations(policy *Policy, fallback int) int {
	if policy != nil && policy.MaxIterations > 0 {
		return policy.MaxIterations
	}
	return fallback
}
