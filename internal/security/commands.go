package security

import (
	"regexp"
	"strings"
)

// CommandDecision is the outcome of the shell command filter.
type CommandDecision struct {
	Blocked bool
	Reason  string
}

type commandRule struct {
	pattern *regexp.Regexp
	reason  string
}

// Built-in deny rules. Input is lowercased with whitespace collapsed
// before matching, so patterns are written against that normal form.
var builtinCommandRules = []commandRule{
	{regexp.MustCompile(`^sudo\b|[;&|]\s*sudo\b`), "privilege escalation via sudo"},
	{regexp.MustCompile(`\b(shutdown|reboot|halt)\b`), "system power control"},
	{regexp.MustCompile(`\bmkfs(\.\w+)?\b`), "filesystem creation"},
	{regexp.MustCompile(`\bdd\s+if=`), "raw disk write via dd"},
	{regexp.MustCompile(`\bchmod\s+777\b`), "world-writable permissions"},
}

var dangerousRmTargets = map[string]bool{
	"/":  true,
	"~":  true,
	"~/": true,
	"*":  true,
	"/*": true,
}

var protectedBranches = map[string]bool{
	"main":             true,
	"master":           true,
	"refs/heads/main":   true,
	"refs/heads/master": true,
}

// CompileExtraPatterns compiles caller-supplied regexes, skipping invalid
// ones (bad patterns are surfaced by config validation, not here).
func CompileExtraPatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// IsBlockedCommand reports whether a shell command matches any deny rule.
// The command is lowercased and runs of whitespace collapse to one space
// before matching.
func IsBlockedCommand(cmd string, extraPatterns []*regexp.Regexp) CommandDecision {
	normalized := normalizeCommand(cmd)
	fields := strings.Fields(normalized)

	if reason := checkDestructiveRm(fields); reason != "" {
		return CommandDecision{Blocked: true, Reason: reason}
	}
	if reason := checkForcePush(fields); reason != "" {
		return CommandDecision{Blocked: true, Reason: reason}
	}
	for _, rule := range builtinCommandRules {
		if rule.pattern.MatchString(normalized) {
			return CommandDecision{Blocked: true, Reason: rule.reason}
		}
	}
	for _, re := range extraPatterns {
		if re.MatchString(normalized) {
			return CommandDecision{Blocked: true, Reason: "matches blocked pattern " + re.String()}
		}
	}
	return CommandDecision{}
}

// checkDestructiveRm blocks rm with recursive+force flags aimed at a
// dangerous target (/, ~, *, /*).
func checkDestructiveRm(fields []string) string {
	for i, f := range fields {
		if f != "rm" {
			continue
		}
		var recursive, force bool
		for _, arg := range fields[i+1:] {
			switch {
			case arg == "--recursive":
				recursive = true
			case arg == "--force":
				force = true
			case strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--"):
				recursive = recursive || strings.ContainsAny(arg, "r")
				force = force || strings.ContainsAny(arg, "f")
			default:
				if recursive && force && dangerousRmTargets[arg] {
					return "recursive force removal of " + arg
				}
			}
		}
	}
	return ""
}

// checkForcePush blocks git push --force/-f targeting main or master.
func checkForcePush(fields []string) string {
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] != "git" || fields[i+1] != "push" {
			continue
		}
		var forced bool
		var branch string
		for _, arg := range fields[i+2:] {
			switch {
			case arg == "--force" || arg == "-f" || strings.HasPrefix(arg, "--force-with-lease"):
				forced = true
			case protectedBranches[arg]:
				branch = arg
			case strings.Contains(arg, ":"):
				// refspec src:dst — the destination is what matters
				if _, dst, ok := strings.Cut(arg, ":"); ok && protectedBranches[dst] {
					branch = dst
				}
			}
		}
		if forced && branch != "" {
			return "force push to protected branch " + branch
		}
	}
	return ""
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeCommand(cmd string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(cmd)), " ")
}
