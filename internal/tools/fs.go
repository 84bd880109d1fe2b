package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/clawd/internal/security"
)

// readNoticeReserve is subtracted from the window budget so the
// continuation notice always fits inside the output limit.
const readNoticeReserve = 256

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func numberProp(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// NewReadTool returns the byte-windowed file reader.
func NewReadTool(policy *security.Policy, outputLimit int) *Tool {
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}
	return &Tool{
		Name:        "read",
		Description: "Read a file. Supports byte offset and limit for large files.",
		Category:    CategoryRead,
		Parameters: objectSchema(map[string]any{
			"path":   stringProp("Path to the file to read"),
			"offset": numberProp("Byte offset to start reading from"),
			"limit":  numberProp("Maximum number of bytes to return"),
		}, "path"),
		OutputLimit: outputLimit,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			dec := policy.CheckPath(argString(args, "path"))
			if !dec.Allowed {
				return "", fmt.Errorf("access denied: %s", dec.Reason)
			}
			data, err := os.ReadFile(dec.ResolvedPath)
			if err != nil {
				return "", err
			}

			size := len(data)
			offset := argInt(args, "offset", 0)
			if offset < 0 {
				offset = 0
			}
			if offset > size {
				offset = size
			}

			budget := outputLimit - readNoticeReserve
			limit := argInt(args, "limit", budget)
			if limit <= 0 || limit > budget {
				limit = budget
			}

			end := offset + limit
			if end > size {
				end = size
			}
			payload := string(data[offset:end])
			if end < size {
				payload += fmt.Sprintf("\n[read truncated] showing bytes %d-%d of %d.\nContinue with offset=%d.", offset, end, size, end)
			}
			return payload, nil
		},
	}
}

// NewWriteTool returns the file writer; parent directories are created.
func NewWriteTool(policy *security.Policy) *Tool {
	return &Tool{
		Name:        "write",
		Description: "Write content to a file, creating parent directories as needed.",
		Category:    CategoryWrite,
		Parameters: objectSchema(map[string]any{
			"path":    stringProp("Path to the file to write"),
			"content": stringProp("Content to write"),
		}, "path", "content"),
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			dec := policy.CheckPath(argString(args, "path"))
			if !dec.Allowed {
				return "", fmt.Errorf("access denied: %s", dec.Reason)
			}
			content := argString(args, "content")
			if err := os.MkdirAll(filepath.Dir(dec.ResolvedPath), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(dec.ResolvedPath, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), dec.ResolvedPath), nil
		},
	}
}

// NewEditTool returns the exact-match text replacer.
func NewEditTool(policy *security.Policy) *Tool {
	return &Tool{
		Name:        "edit",
		Description: "Replace text in a file. oldText must match exactly once.",
		Category:    CategoryWrite,
		Parameters: objectSchema(map[string]any{
			"path":    stringProp("Path to the file to edit"),
			"oldText": stringProp("Text to replace; must occur exactly once"),
			"newText": stringProp("Replacement text"),
		}, "path", "oldText", "newText"),
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			dec := policy.CheckPath(argString(args, "path"))
			if !dec.Allowed {
				return "", fmt.Errorf("access denied: %s", dec.Reason)
			}
			data, err := os.ReadFile(dec.ResolvedPath)
			if err != nil {
				return "", err
			}
			content := string(data)
			oldText := argString(args, "oldText")
			newText := argString(args, "newText")
			if oldText == "" {
				return "", fmt.Errorf("oldText is empty")
			}

			updated, err := replaceExactlyOnce(content, oldText, newText)
			if err != nil {
				return "", err
			}
			if err := os.WriteFile(dec.ResolvedPath, []byte(updated), 0o644); err != nil {
				return "", err
			}
			return unifiedDiff(dec.ResolvedPath, content, updated), nil
		},
	}
}

// replaceExactlyOnce requires a unique exact match, falling back to a
// whitespace-flexible match over the same tokens.
func replaceExactlyOnce(content, oldText, newText string) (string, error) {
	switch strings.Count(content, oldText) {
	case 1:
		return strings.Replace(content, oldText, newText, 1), nil
	case 0:
		// fall through to the flexible match
	default:
		return "", fmt.Errorf("oldText is ambiguous: found multiple exact matches")
	}

	tokens := strings.Fields(oldText)
	if len(tokens) == 0 {
		return "", fmt.Errorf("oldText not found in file")
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = regexp.QuoteMeta(tok)
	}
	re, err := regexp.Compile(strings.Join(quoted, `\s+`))
	if err != nil {
		return "", fmt.Errorf("oldText not found in file")
	}
	matches := re.FindAllStringIndex(content, 2)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("oldText not found in file")
	case 1:
		return content[:matches[0][0]] + newText + content[matches[0][1]:], nil
	default:
		return "", fmt.Errorf("oldText is ambiguous: whitespace-flexible match found multiple occurrences")
	}
}

// unifiedDiff synthesizes a minimal single-hunk diff between the two
// versions, trimming the common prefix and suffix lines.
func unifiedDiff(path, before, after string) string {
	oldLines := strings.Split(before, "\n")
	newLines := strings.Split(after, "\n")

	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	removed := oldLines[prefix : len(oldLines)-suffix]
	added := newLines[prefix : len(newLines)-suffix]

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", path, path)
	fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", prefix+1, len(removed), prefix+1, len(added))
	for _, l := range removed {
		sb.WriteString("-" + l + "\n")
	}
	for _, l := range added {
		sb.WriteString("+" + l + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// NewLsTool returns the directory lister.
func NewLsTool(policy *security.Policy) *Tool {
	return &Tool{
		Name:        "ls",
		Description: "List a directory. Subdirectories are suffixed with /.",
		Category:    CategoryRead,
		Parameters: objectSchema(map[string]any{
			"path": stringProp("Directory to list"),
		}, "path"),
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			dec := policy.CheckPath(argString(args, "path"))
			if !dec.Allowed {
				return "", fmt.Errorf("access denied: %s", dec.Reason)
			}
			entries, err := os.ReadDir(dec.ResolvedPath)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	}
}
