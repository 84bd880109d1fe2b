package tools

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawd/internal/security"
)

// BuiltinOptions tunes the standard tool set.
type BuiltinOptions struct {
	OutputLimit int
	Timeout     time.Duration
	Bash        BashOptions
	Logger      *slog.Logger
}

// Legacy alias names kept for older agent configurations.
var legacyAliases = map[string]string{
	"read_file":      "read",
	"write_file":     "write",
	"list_directory": "ls",
}

var aliasWarnOnce sync.Map // alias name -> *sync.Once

// Builtins constructs the standard tool set plus legacy aliases.
func Builtins(policy *security.Policy, opts BuiltinOptions) []*Tool {
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Bash.OutputLimit <= 0 {
		opts.Bash.OutputLimit = opts.OutputLimit
	}

	canonical := []*Tool{
		NewReadTool(policy, opts.OutputLimit),
		NewWriteTool(policy),
		NewEditTool(policy),
		NewBashTool(policy, opts.Bash),
		NewLsTool(policy),
		NewGrepTool(policy),
		NewFindTool(policy),
	}

	byName := make(map[string]*Tool, len(canonical))
	for _, t := range canonical {
		if t.OutputLimit <= 0 {
			t.OutputLimit = opts.OutputLimit
		}
		if t.Timeout == 0 {
			t.Timeout = opts.Timeout
		}
		byName[t.Name] = t
	}

	out := canonical
	for alias, target := range legacyAliases {
		out = append(out, aliasTool(alias, byName[target], opts.Logger))
	}
	return out
}

// RegisterBuiltins installs the standard tool set into reg.
func RegisterBuiltins(reg *Registry, policy *security.Policy, opts BuiltinOptions) error {
	for _, t := range Builtins(policy, opts) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// aliasTool wraps a canonical tool under a deprecated name, warning once
// per alias per process on first use.
func aliasTool(alias string, target *Tool, logger *slog.Logger) *Tool {
	inner := target.Execute
	return &Tool{
		Name:        alias,
		Description: target.Description + " (deprecated alias of " + target.Name + ")",
		Category:    target.Category,
		Parameters:  target.Parameters,
		OutputLimit: target.OutputLimit,
		Timeout:     target.Timeout,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			onceVal, _ := aliasWarnOnce.LoadOrStore(alias, &sync.Once{})
			onceVal.(*sync.Once).Do(func() {
				if logger != nil {
					logger.Warn("tool_alias_deprecated", "alias", alias, "use", target.Name)
				}
			})
			return inner(ctx, args)
		},
	}
}

// CanonicalName resolves a possibly-aliased tool name.
func CanonicalName(name string) string {
	if target, ok := legacyAliases[name]; ok {
		return target
	}
	return name
}
