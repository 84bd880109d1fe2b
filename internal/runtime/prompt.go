package runtime

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nextlevelbuilder/clawd/internal/config"
	"github.com/nextlevelbuilder/clawd/internal/security"
	"github.com/nextlevelbuilder/clawd/internal/tools"
	"github.com/nextlevelbuilder/clawd/internal/workflow"
)

// prepareSystemPrompt assembles the static prompt fragments once per
// reload: identity, custom instructions, and the tool and workflow
// catalogs. Missing fragment files are skipped with a warning.
func prepareSystemPrompt(cfg *config.Config, toolList []*tools.Tool, workflows []*workflow.Workflow, logger *slog.Logger) string {
	var parts []string

	if fragment := readFragment(cfg.SystemPrompt.IdentityFile, "identity_file", logger); fragment != "" {
		parts = append(parts, fragment)
	}
	if fragment := readFragment(cfg.SystemPrompt.CustomInstructionsFile, "custom_instructions_file", logger); fragment != "" {
		parts = append(parts, fragment)
	}

	if len(toolList) > 0 {
		var sb strings.Builder
		sb.WriteString("## Available tools\n")
		for _, t := range toolList {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		}
		parts = append(parts, strings.TrimRight(sb.String(), "\n"))
	}

	if len(workflows) > 0 {
		var sb strings.Builder
		sb.WriteString("## Available workflows\n")
		for _, wf := range workflows {
			fmt.Fprintf(&sb, "- workflow_%s: %s\n", wf.Name, wf.Description)
		}
		parts = append(parts, strings.TrimRight(sb.String(), "\n"))
	}

	return strings.Join(parts, "\n\n")
}

func readFragment(path, kind string, logger *slog.Logger) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(security.ExpandHome(path))
	if err != nil {
		logger.Warn("system_prompt_fragment_missing", "kind", kind, "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// composeSystemPrompt joins the prepared static prompt with a per-session
// override at turn time.
func composeSystemPrompt(static, override string) string {
	switch {
	case override == "":
		return static
	case static == "":
		return override
	default:
		return static + "\n\n" + override
	}
}
