package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawd/internal/agent"
	"github.com/nextlevelbuilder/clawd/internal/config"
	"github.com/nextlevelbuilder/clawd/internal/cron"
	"github.com/nextlevelbuilder/clawd/internal/gateway"
	"github.com/nextlevelbuilder/clawd/internal/provider"
	"github.com/nextlevelbuilder/clawd/internal/security"
	"github.com/nextlevelbuilder/clawd/internal/sessions"
	"github.com/nextlevelbuilder/clawd/internal/telemetry"
	"github.com/nextlevelbuilder/clawd/internal/tools"
	"github.com/nextlevelbuilder/clawd/internal/workflow"
)

// Supervisor owns the mutable runtime state: the applied config, the
// selected model, the live tool registry, the cron service, the
// workflow engine, and the prepared system prompt. All of it swaps
// atomically in ApplyFromDisk.
type Supervisor struct {
	root   string
	logger *slog.Logger

	store    *sessions.Store
	registry *tools.Registry
	auth     *provider.AuthStore
	llm      *provider.AnthropicClient
	cron     *cron.Service
	configs  *ConfigProvider

	applyMu sync.Mutex // serializes ApplyFromDisk

	stateMu  sync.RWMutex
	engine   *workflow.Engine
	model    provider.ModelRef
	prompt   string
	cronJobs []cron.JobConfig

	gw       *gateway.Server
	listener net.Listener
}

// New builds a supervisor rooted at the agent directory. The directory
// skeleton (sessions, cron, workflows, logs) is created if missing.
func New(root string, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root = security.ExpandHome(root)
	for _, dir := range []string{root, filepath.Join(root, "sessions"), filepath.Join(root, "cron"), filepath.Join(root, "workflows"), filepath.Join(root, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create agent dir: %w", err)
		}
	}

	store, err := sessions.NewStore(filepath.Join(root, "sessions"), logger)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		root:     root,
		logger:   logger.With("module", "runtime"),
		store:    store,
		registry: tools.NewRegistry(),
		auth:     provider.NewAuthStore(filepath.Join(root, "auth.json")),
		llm:      provider.NewAnthropicClient(logger),
		configs:  NewConfigProvider(config.Default()),
	}
	s.cron = cron.NewService(s.runCronJob, logger)
	return s, nil
}

func (s *Supervisor) ConfigPath() string   { return filepath.Join(s.root, "config.yaml") }
func (s *Supervisor) ToolsPath() string    { return filepath.Join(s.root, "tools.yaml") }
func (s *Supervisor) CronDir() string      { return filepath.Join(s.root, "cron") }
func (s *Supervisor) WorkflowsDir() string { return filepath.Join(s.root, "workflows") }

// Accessors for the swappable snapshot.

func (s *Supervisor) Config() *config.Config { return s.configs.Config() }
func (s *Supervisor) ConfigVersion() int64   { return s.configs.Version() }
func (s *Supervisor) Store() *sessions.Store { return s.store }
func (s *Supervisor) Registry() *tools.Registry {
	return s.registry
}

func (s *Supervisor) Cron() *cron.Service { return s.cron }

func (s *Supervisor) Engine() *workflow.Engine {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.engine
}

func (s *Supervisor) Model() provider.ModelRef {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.model
}

func (s *Supervisor) Prompt() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.prompt
}

// Start applies the on-disk state, builds the gateway, and serves until
// ctx ends. The file watcher keeps the runtime in sync with disk.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.ApplyFromDisk(ctx, "startup"); err != nil {
		return err
	}

	orch := gateway.NewOrchestrator(s.store, s.PrepareRun, s.logger)
	s.gw = gateway.NewServer(gateway.Deps{
		Config:       s.Config,
		Sessions:     s.store,
		Orchestrator: orch,
		Cron:         s.Cron,
		Workflows:    s.Engine,
		Logger:       s.logger,
	})

	ln, err := s.gw.Listen()
	if err != nil {
		return err
	}
	s.listener = ln

	stopWatcher, err := s.startWatcher(ctx)
	if err != nil {
		s.logger.Warn("watcher_start_failed", "error", err)
	} else {
		defer stopWatcher()
	}
	defer s.cron.Stop()

	return s.gw.Serve(ctx, ln)
}

// ApplyFromDisk atomically loads and applies the on-disk configuration,
// tools, workflows, and cron jobs. On any failure the previous state
// stays in effect.
func (s *Supervisor) ApplyFromDisk(ctx context.Context, reason string) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	fail := func(err error) error {
		s.logger.Error("config_reload_failed", "reason", reason, "error", err)
		return err
	}

	cfg, err := config.Load(s.ConfigPath())
	if err != nil {
		return fail(err)
	}
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}

	model := ResolveModel(cfg.Model)
	workflows, err := workflow.LoadDir(s.WorkflowsDir())
	if err != nil {
		return fail(err)
	}
	jobs, err := cron.LoadDir(s.CronDir())
	if err != nil {
		return fail(err)
	}

	policy := buildPolicy(cfg.Security)
	nextTools, err := s.buildTools(cfg, policy)
	if err != nil {
		return fail(err)
	}
	engine := workflow.NewEngine(workflows, s.newWorkflowSession, s.runWorkflowStep, s.logger)
	nextTools = append(nextTools, engine.Tools()...)
	prompt := prepareSystemPrompt(cfg, nextTools, workflows, s.logger)

	prevJobs := s.cronJobsSnapshot()
	if err := s.cron.Start(jobs); err != nil {
		s.rollbackCron(prevJobs)
		return fail(fmt.Errorf("start cron: %w", err))
	}

	if err := s.rebindListener(cfg); err != nil {
		s.rollbackCron(prevJobs)
		return fail(err)
	}

	if err := s.registry.ReplaceAll(nextTools); err != nil {
		s.rollbackCron(prevJobs)
		s.restoreListener(s.configs.Config().Server)
		return fail(fmt.Errorf("replace tools: %w", err))
	}

	s.stateMu.Lock()
	s.engine = engine
	s.model = model
	s.prompt = prompt
	s.cronJobs = jobs
	s.stateMu.Unlock()
	version := s.configs.Set(cfg)

	s.logger.Info("config_applied",
		"reason", reason,
		"version", version,
		"model", model.Name,
		"tools", len(nextTools),
		"workflows", len(workflows),
		"cron_jobs", len(jobs),
	)
	return nil
}

func (s *Supervisor) cronJobsSnapshot() []cron.JobConfig {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.cronJobs
}

func (s *Supervisor) rollbackCron(prevJobs []cron.JobConfig) {
	if err := s.cron.Start(prevJobs); err != nil {
		s.logger.Error("cron_rollback_failed", "error", err)
	}
}

// rebindListener swaps the HTTP listener when server.host/port changed.
// The replacement binds before the old listener closes; if that fails,
// close-then-bind is retried once, and on a second failure the old
// address is restored and the reload aborted.
func (s *Supervisor) rebindListener(cfg *config.Config) error {
	if s.gw == nil || s.listener == nil {
		return nil
	}
	prev := s.configs.Config().Server
	if prev.Host == cfg.Server.Host && prev.Port == cfg.Server.Port {
		return nil
	}

	next := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	oldAddr := s.listener.Addr().String()

	ln, err := net.Listen("tcp", next)
	if err != nil {
		s.listener.Close()
		ln, err = net.Listen("tcp", next)
		if err != nil {
			restored, rerr := net.Listen("tcp", oldAddr)
			if rerr != nil {
				return fmt.Errorf("rebind %s failed: %w (old listener %s lost: %v)", next, err, oldAddr, rerr)
			}
			s.listener = restored
			s.gw.Rebind(restored)
			return fmt.Errorf("rebind %s failed: %w", next, err)
		}
		s.listener = ln
		s.gw.Rebind(ln)
		return nil
	}

	s.listener.Close()
	s.listener = ln
	s.gw.Rebind(ln)
	return nil
}

// restoreListener rebinds the previous address after a failed commit.
func (s *Supervisor) restoreListener(prev config.ServerConfig) {
	if s.gw == nil || s.listener == nil {
		return
	}
	want := fmt.Sprintf("%s:%d", prev.Host, prev.Port)
	if s.listener.Addr().String() == want {
		return
	}
	ln, err := net.Listen("tcp", want)
	if err != nil {
		s.logger.Error("listener_restore_failed", "addr", want, "error", err)
		return
	}
	s.listener.Close()
	s.listener = ln
	s.gw.Rebind(ln)
}

// buildPolicy compiles the security config into the tool policy.
// Without configured allowed paths, tools are confined to the home
// directory.
func buildPolicy(sec config.SecurityConfig) *security.Policy {
	allowed := sec.AllowedPaths
	if len(allowed) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			allowed = []string{home}
		}
	}
	canon := func(paths []string) []string {
		out := make([]string, 0, len(paths))
		for _, p := range paths {
			expanded := security.ExpandHome(p)
			if c, err := security.Canonicalize(expanded); err == nil {
				out = append(out, c)
			} else {
				out = append(out, expanded)
			}
		}
		return out
	}
	return &security.Policy{
		AllowedPaths:    canon(allowed),
		DeniedPaths:     canon(sec.DeniedPaths),
		AllowedEnv:      sec.AllowedEnv,
		BlockedCommands: security.CompileExtraPatterns(sec.BlockedCommands),
	}
}

func (s *Supervisor) buildTools(cfg *config.Config, policy *security.Policy) ([]*tools.Tool, error) {
	list := tools.Builtins(policy, tools.BuiltinOptions{
		OutputLimit: cfg.Tools.OutputLimit,
		Timeout:     time.Duration(cfg.Tools.Timeout) * time.Second,
		Logger:      s.logger,
	})

	docs, err := tools.LoadCLITools(s.ToolsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return list, nil
		}
		return nil, fmt.Errorf("load cli tools: %w", err)
	}
	for _, doc := range docs {
		t, err := tools.BuildCLITool(doc, policy)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, nil
}

// PrepareRun snapshots the current runtime state for one interactive run.
func (s *Supervisor) PrepareRun(meta *sessions.Metadata) (gateway.RunConfig, error) {
	cfg := s.configs.Config()
	model := s.Model()
	return gateway.RunConfig{
		Options: agent.Options{
			Model:          model,
			Stream:         s.llm.Stream,
			Registry:       s.registry,
			SystemPrompt:   composeSystemPrompt(s.Prompt(), meta.SystemPromptOverride),
			MaxIterations:  cfg.Tools.MaxIterations,
			Retry:          retryConfig(cfg.Retry),
			APIKeyResolver: s.auth.APIKey,
		},
		RunContext: s.runContext(cfg, model),
		Title:      s.completeText,
	}, nil
}

func (s *Supervisor) runContext(cfg *config.Config, model provider.ModelRef) sessions.RunContextConfig {
	return sessions.RunContextConfig{
		Compaction: sessions.CompactionOptions{
			Enabled:          cfg.Compaction.CompactionEnabled(),
			KeepRecentTokens: cfg.Compaction.KeepRecentTokens,
			ReserveTokens:    cfg.Compaction.ReserveTokens,
		},
		ContextWindow: model.ContextWindow,
		Summarize: func(ctx context.Context, mode, prompt string) (string, error) {
			return s.completeText(ctx, prompt)
		},
	}
}

func retryConfig(rc config.RetryConfig) *agent.RetryConfig {
	return &agent.RetryConfig{
		BaseDelayMs:       rc.BaseDelayMs,
		MaxDelayMs:        rc.MaxDelayMs,
		MaxRetries:        rc.MaxRetries,
		RetryableStatuses: rc.RetryableStatuses,
	}
}

// completeText runs one tool-less completion and returns the text.
// Used for summarization and title generation.
func (s *Supervisor) completeText(ctx context.Context, prompt string) (string, error) {
	key, err := s.auth.APIKey(ctx)
	if err != nil {
		return "", err
	}
	msg, err := s.llm.Stream(ctx, s.Model(), provider.Request{
		Messages: []sessions.Message{sessions.UserMessage(prompt)},
	}, provider.StreamOptions{APIKey: key}, func(provider.StreamEvent) {})
	if err != nil {
		return "", err
	}
	return msg.Text(), nil
}

// runCronJob fires one scheduled prompt in a fresh isolated session
// under the job's restricted tool view.
func (s *Supervisor) runCronJob(ctx context.Context, job cron.JobConfig, sessionName string) error {
	meta, err := s.store.Create(sessions.CreateOptions{
		Name:      sessionName,
		Model:     s.Model().Name,
		Source:    sessions.SourceCron,
		CronJobID: job.ID,
	})
	if err != nil {
		return err
	}
	scoped := cron.ScopedRegistry(s.registry, job.Policy)
	maxIterations := cron.MaxIterations(job.Policy, s.configs.Config().Tools.MaxIterations)

	outcome, err := s.runHeadless(ctx, meta.ID, job.Prompt, scoped, maxIterations)
	if err != nil {
		return err
	}
	if outcome.MaxIterationsHit {
		return errors.New(agent.MaxIterationsMessage)
	}
	return nil
}

func (s *Supervisor) newWorkflowSession(name string) (string, error) {
	meta, err := s.store.Create(sessions.CreateOptions{Name: name, Model: s.Model().Name})
	if err != nil {
		return "", err
	}
	return meta.ID, nil
}

func (s *Supervisor) runWorkflowStep(ctx context.Context, sessionID, prompt string) (workflow.StepOutcome, error) {
	cfg := s.configs.Config()
	return s.runHeadless(ctx, sessionID, prompt, s.registry, cfg.Tools.MaxIterations)
}

// runHeadless appends the prompt, drives one agent run without a
// WebSocket audience, and persists everything the loop produced.
func (s *Supervisor) runHeadless(ctx context.Context, sessionID, prompt string, reg *tools.Registry, maxIterations int) (outcome workflow.StepOutcome, err error) {
	ctx, span := telemetry.StartRunSpan(ctx, "headless", sessionID)
	defer func() { telemetry.EndSpan(span, err) }()

	if _, err := s.store.AppendMessage(sessionID, sessions.AppendInput{
		Role:    sessions.RoleUser,
		Content: []sessions.ContentBlock{sessions.Text(prompt)},
	}); err != nil {
		return workflow.StepOutcome{}, err
	}

	cfg := s.configs.Config()
	model := s.Model()
	messages, err := s.store.BuildContextForRun(ctx, sessionID, s.runContext(cfg, model))
	if err != nil {
		return workflow.StepOutcome{}, err
	}

	opts := agent.Options{
		Model:          model,
		Stream:         s.llm.Stream,
		Registry:       reg,
		SystemPrompt:   s.Prompt(),
		MaxIterations:  maxIterations,
		Retry:          retryConfig(cfg.Retry),
		APIKeyResolver: s.auth.APIKey,
		Logger:         s.logger,
		SessionID:      sessionID,
		OnTurnComplete: func(tm sessions.TurnMetrics) {
			if err := s.store.RecordTurnMetrics(sessionID, tm); err != nil {
				s.logger.Warn("turn_metrics_failed", "session_id", sessionID, "error", err)
			}
		},
	}

	final, runErr := agent.Run(ctx, messages, opts, func(ev agent.Event) {
		if ev.Type == agent.EventToolResult && ev.ToolResult.IsError {
			outcome.ToolErrored = true
		}
	})

	for _, m := range final[len(messages):] {
		if _, err := s.store.AppendMessage(sessionID, sessions.ToAppendInput(m)); err != nil {
			return outcome, err
		}
	}
	if runErr != nil {
		return outcome, runErr
	}

	for i := len(final) - 1; i >= len(messages); i-- {
		if final[i].Role == sessions.RoleAssistant {
			outcome.Output = final[i].Text()
			outcome.MaxIterationsHit = final[i].StopReason == sessions.StopError && outcome.Output == agent.MaxIterationsMessage
			break
		}
	}
	return outcome, nil
}
