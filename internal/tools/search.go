package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/clawd/internal/security"
)

const (
	defaultGrepMaxResults = 200
	defaultFindMaxResults = 500
	grepMaxLineBytes      = 64 * 1024
)

// NewGrepTool returns the recursive content searcher. The walk never
// crosses symlinks, so results stay inside the canonical root.
func NewGrepTool(policy *security.Policy) *Tool {
	return &Tool{
		Name:        "grep",
		Description: "Search file contents recursively. Emits path:line:col:text per match.",
		Category:    CategoryRead,
		Parameters: objectSchema(map[string]any{
			"path":          stringProp("Root directory or file to search"),
			"pattern":       stringProp("Text or regular expression to find"),
			"regex":         map[string]any{"type": "boolean", "description": "Treat pattern as a regular expression"},
			"caseSensitive": map[string]any{"type": "boolean", "description": "Case-sensitive matching (default true)"},
			"maxResults":    numberProp("Maximum matches to return (default 200)"),
		}, "path", "pattern"),
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			dec := policy.CheckPath(argString(args, "path"))
			if !dec.Allowed {
				return "", fmt.Errorf("access denied: %s", dec.Reason)
			}

			pattern := argString(args, "pattern")
			caseSensitive := argBool(args, "caseSensitive", true)
			maxResults := argInt(args, "maxResults", defaultGrepMaxResults)
			if maxResults <= 0 {
				maxResults = defaultGrepMaxResults
			}

			match, err := buildMatcher(pattern, argBool(args, "regex", false), caseSensitive)
			if err != nil {
				return "", fmt.Errorf("invalid pattern: %w", err)
			}

			var lines []string
			truncated := false
			err = walkNoSymlinks(dec.ResolvedPath, func(path string, d fs.DirEntry) error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if d.IsDir() {
					return nil
				}
				return grepFile(path, match, func(line int, col int, text string) bool {
					lines = append(lines, fmt.Sprintf("%s:%d:%d:%s", path, line, col, text))
					if len(lines) >= maxResults {
						truncated = true
						return false
					}
					return true
				})
			})
			if err != nil && !truncated {
				return "", err
			}

			if len(lines) == 0 {
				return "No matches found.", nil
			}
			out := strings.Join(lines, "\n")
			if truncated {
				out += fmt.Sprintf("\n[grep truncated] showing first %d matches.", maxResults)
			}
			return out, nil
		},
	}
}

// buildMatcher returns (column, found) where column is 1-based.
func buildMatcher(pattern string, isRegex, caseSensitive bool) (func(string) (int, bool), error) {
	if isRegex {
		expr := pattern
		if !caseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		return func(line string) (int, bool) {
			loc := re.FindStringIndex(line)
			if loc == nil {
				return 0, false
			}
			return loc[0] + 1, true
		}, nil
	}

	needle := pattern
	if !caseSensitive {
		needle = strings.ToLower(needle)
	}
	return func(line string) (int, bool) {
		haystack := line
		if !caseSensitive {
			haystack = strings.ToLower(line)
		}
		idx := strings.Index(haystack, needle)
		if idx < 0 {
			return 0, false
		}
		return idx + 1, true
	}, nil
}

var errStopWalk = fmt.Errorf("walk stopped")

func grepFile(path string, match func(string) (int, bool), emit func(line, col int, text string) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return nil // unreadable files are skipped, not fatal
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), grepMaxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		if strings.ContainsRune(text, 0) {
			return nil // binary file
		}
		if col, ok := match(text); ok {
			if !emit(lineNo, col, text) {
				return errStopWalk
			}
		}
	}
	return nil
}

// walkNoSymlinks walks the tree rooted at root, skipping symlinked files
// and never descending into symlinked directories.
func walkNoSymlinks(root string, fn func(path string, d fs.DirEntry) error) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		return fn(path, d)
	})
	if err == errStopWalk {
		return nil
	}
	return err
}

// NewFindTool returns the filename matcher. Patterns with * or ? are
// globs; anything else is a substring test.
func NewFindTool(policy *security.Policy) *Tool {
	return &Tool{
		Name:        "find",
		Description: "Find files and directories by name. * and ? act as glob wildcards.",
		Category:    CategoryRead,
		Parameters: objectSchema(map[string]any{
			"path":    stringProp("Root directory to search"),
			"pattern": stringProp("Glob or substring to match against names"),
			"kind": map[string]any{
				"type":        "string",
				"enum":        []any{"all", "file", "directory"},
				"description": "Restrict results to files or directories",
			},
			"maxResults": numberProp("Maximum entries to return (default 500)"),
		}, "path"),
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			dec := policy.CheckPath(argString(args, "path"))
			if !dec.Allowed {
				return "", fmt.Errorf("access denied: %s", dec.Reason)
			}

			pattern := argString(args, "pattern")
			kind := argString(args, "kind")
			if kind == "" {
				kind = "all"
			}
			maxResults := argInt(args, "maxResults", defaultFindMaxResults)
			if maxResults <= 0 {
				maxResults = defaultFindMaxResults
			}

			isGlob := strings.ContainsAny(pattern, "*?")
			var results []string
			truncated := false
			err := walkNoSymlinks(dec.ResolvedPath, func(path string, d fs.DirEntry) error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if path == dec.ResolvedPath {
					return nil
				}
				switch kind {
				case "file":
					if d.IsDir() {
						return nil
					}
				case "directory":
					if !d.IsDir() {
						return nil
					}
				}
				name := d.Name()
				if pattern != "" {
					if isGlob {
						if ok, _ := filepath.Match(pattern, name); !ok {
							return nil
						}
					} else if !strings.Contains(name, pattern) {
						return nil
					}
				}
				results = append(results, path)
				if len(results) >= maxResults {
					truncated = true
					return errStopWalk
				}
				return nil
			})
			if err != nil {
				return "", err
			}

			if len(results) == 0 {
				return "No matches found.", nil
			}
			out := strings.Join(results, "\n")
			if truncated {
				out += fmt.Sprintf("\n[find truncated] showing first %d entries.", maxResults)
			}
			return out, nil
		},
	}
}
