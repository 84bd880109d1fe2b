package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawd/internal/security"
)

// BashOptions configures the shell tool.
type BashOptions struct {
	// OutputLimit caps the returned combined output in bytes; larger
	// output is tail-truncated with the full text saved to a temp file.
	OutputLimit int
	// OnChunk, when set, receives output chunks as they are produced.
	OnChunk func(string)
}

// chunkWriter accumulates combined stdout+stderr and forwards chunks.
type chunkWriter struct {
	mu      sync.Mutex
	buf     strings.Builder
	onChunk func(string)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	if w.onChunk != nil {
		w.onChunk(string(p))
	}
	return len(p), nil
}

func (w *chunkWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// NewBashTool returns the shell executor. Commands pass the blocklist
// first and run with only the policy's allowed environment.
func NewBashTool(policy *security.Policy, opts BashOptions) *Tool {
	limit := opts.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &Tool{
		Name:        "bash",
		Description: "Run a shell command. Output is combined stdout and stderr.",
		Category:    CategoryAdmin,
		Parameters: objectSchema(map[string]any{
			"command": stringProp("Shell command to execute"),
		}, "command"),
		// Room for the truncation preamble on top of the tail itself.
		OutputLimit: limit + 1024,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			command := argString(args, "command")
			if dec := policy.CheckCommand(command); dec.Blocked {
				return "", fmt.Errorf("command blocked: %s", dec.Reason)
			}

			w := &chunkWriter{onChunk: opts.OnChunk}
			cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
			cmd.Env = policy.Env(nil)
			cmd.Stdout = w
			cmd.Stderr = w

			runErr := cmd.Run()
			output := w.String()

			if runErr != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", fmt.Errorf("%v\n%s", runErr, tailTruncate(output, limit))
			}
			return tailTruncate(output, limit), nil
		},
	}
}

// tailTruncate keeps the tail of oversized output, parking the full text
// in a temp file for later inspection.
func tailTruncate(output string, limit int) string {
	if len(output) <= limit {
		return output
	}

	path := "(unavailable)"
	if f, err := os.CreateTemp("", "bash-output-*.txt"); err == nil {
		if _, werr := f.WriteString(output); werr == nil {
			path = f.Name()
		}
		f.Close()
	}

	header := fmt.Sprintf("[output truncated: showing tail]\nFull output: %s\n\n", path)
	tailBudget := limit - len(header)
	if tailBudget < 0 {
		tailBudget = 0
	}
	return header + output[len(output)-tailBudget:]
}
