package security

import (
	"os"
	"regexp"
	"sort"
)

// BuildToolEnv copies only the named keys from the parent environment,
// then overlays tool-specific values. Unknown parent vars never propagate
// into subprocesses.
func BuildToolEnv(allowedKeys []string, toolOverrides map[string]string) []string {
	merged := make(map[string]string, len(allowedKeys)+len(toolOverrides))
	for _, key := range allowedKeys {
		if v, ok := os.LookupEnv(key); ok {
			merged[key] = v
		}
	}
	for k, v := range toolOverrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// Policy bundles the effective security configuration handed to tools.
type Policy struct {
	AllowedPaths    []string
	DeniedPaths     []string
	AllowedEnv      []string
	BlockedCommands []*regexp.Regexp
}

// CheckPath validates a path against this policy.
func (p *Policy) CheckPath(target string) PathDecision {
	return ValidatePath(target, p.AllowedPaths, p.DeniedPaths)
}

// CheckCommand filters a shell command against built-in and extra rules.
func (p *Policy) CheckCommand(cmd string) CommandDecision {
	return IsBlockedCommand(cmd, p.BlockedCommands)
}

// Env builds the subprocess environment for a tool.
func (p *Policy) Env(toolOverrides map[string]string) []string {
	return BuildToolEnv(p.AllowedEnv, toolOverrides)
}
