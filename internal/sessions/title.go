package sessions

import (
	"context"
	"strings"
)

// The template intentionally embeds backslash-n escapes rather than real
// newlines; the downstream model treats them the same.
const titlePromptTemplate = `Generate a short title (max 6 words) for this conversation.\nUser: %USER%\nAssistant: %ASSISTANT%\nRespond with only the title, nothing else.`

const (
	titleMaxWords       = 6
	titleFallbackMaxLen = 60
)

// TitleFunc asks the model for a candidate title.
type TitleFunc func(ctx context.Context, prompt string) (string, error)

// TitleInput feeds title generation after the first exchange.
type TitleInput struct {
	UserText      string
	AssistantText string
	Generate      TitleFunc
}

// GenerateTitle names a session from its first exchange. No-op unless the
// session still carries the default placeholder name. Returns the new
// name and whether a rename happened.
func (s *Store) GenerateTitle(ctx context.Context, id string, in TitleInput) (string, bool, error) {
	st := s.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	meta, err := s.lockedGet(id, st)
	if err != nil {
		return "", false, err
	}
	if meta.Name != DefaultName {
		return meta.Name, false, nil
	}

	name := ""
	if in.Generate != nil {
		prompt := strings.ReplaceAll(titlePromptTemplate, "%USER%", in.UserText)
		prompt = strings.ReplaceAll(prompt, "%ASSISTANT%", in.AssistantText)
		if raw, genErr := in.Generate(ctx, prompt); genErr == nil {
			name = normalizeTitle(raw)
		} else {
			s.logger.Warn("title_generation_failed", "session_id", id, "error", genErr)
		}
	}
	if name == "" {
		name = fallbackTitle(in.UserText)
	}
	if name == "" {
		return meta.Name, false, nil
	}

	meta.Name = name
	if err := s.writeMetadata(id, meta); err != nil {
		return "", false, err
	}
	s.logger.Info("session_renamed", "session_id", id, "name", name)
	return name, true, nil
}

// normalizeTitle collapses the model output to a single line of at most
// six words, stripping wrapping quotes.
func normalizeTitle(raw string) string {
	line := strings.ReplaceAll(raw, "\n", " ")
	line = strings.Trim(strings.TrimSpace(line), `"'`)
	words := strings.Fields(line)
	if len(words) == 0 {
		return ""
	}
	if len(words) > titleMaxWords {
		words = words[:titleMaxWords]
	}
	return strings.Join(words, " ")
}

// fallbackTitle derives a name from the user's first message.
func fallbackTitle(userText string) string {
	text := strings.TrimSpace(strings.ReplaceAll(userText, "\n", " "))
	if text == "" {
		return ""
	}
	if len(text) <= titleFallbackMaxLen {
		return text
	}
	return text[:titleFallbackMaxLen] + "..."
}
