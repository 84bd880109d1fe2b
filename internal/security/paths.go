package security

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// PathDecision is the outcome of validating a path against the policy.
type PathDecision struct {
	Allowed      bool
	ResolvedPath string
	Reason       string
}

// ValidatePath canonicalizes target and checks it against allowed/denied
// roots. Canonicalization happens before the containment check so symlinks
// cannot escape the boundary. Deny wins over allow.
func ValidatePath(target string, allowed, denied []string) PathDecision {
	canonical, err := Canonicalize(target)
	if err != nil {
		slog.Warn("security.path_resolve_failed", "module", "security", "path", target, "error", err)
		return PathDecision{Allowed: false, Reason: "cannot resolve path"}
	}

	for _, d := range denied {
		root, err := Canonicalize(d)
		if err != nil {
			continue
		}
		if isPathInside(canonical, root) {
			return PathDecision{
				Allowed:      false,
				ResolvedPath: canonical,
				Reason:       "path is within denied root " + d,
			}
		}
	}

	for _, a := range allowed {
		root, err := Canonicalize(a)
		if err != nil {
			continue
		}
		if isPathInside(canonical, root) {
			return PathDecision{Allowed: true, ResolvedPath: canonical}
		}
	}

	slog.Warn("security.path_escape", "module", "security", "path", target, "resolved", canonical)
	return PathDecision{
		Allowed:      false,
		ResolvedPath: canonical,
		Reason:       "path outside allowed roots",
	}
}

// Canonicalize expands ~, makes the path absolute, and resolves symlinks.
// For paths that do not exist yet, the nearest existing ancestor is
// canonicalized and the unresolved tail re-appended.
func Canonicalize(path string) (string, error) {
	path = ExpandHome(path)
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return resolveThroughExistingAncestors(abs)
}

// ExpandHome replaces a leading ~ or ~/ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolveThroughExistingAncestors canonicalizes the deepest existing
// ancestor, then re-appends the non-existent components. This catches
// symlinked intermediate directories on not-yet-created paths.
func resolveThroughExistingAncestors(target string) (string, error) {
	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(target), nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if real, err := filepath.EvalSymlinks(current); err == nil {
			result := real
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
}

// isPathInside checks whether child is equal to or a descendant of parent
// using path-separator semantics.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
