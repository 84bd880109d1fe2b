package runtime

import (
	"github.com/nextlevelbuilder/clawd/internal/config"
	"github.com/nextlevelbuilder/clawd/internal/provider"
)

const defaultContextWindow = 200_000

// Known context windows. Models not listed here fall back to the
// default window, which only affects when compaction kicks in.
var contextWindows = map[string]int{
	"claude-opus-4-1":            200_000,
	"claude-opus-4-5":            200_000,
	"claude-sonnet-4-5":          200_000,
	"claude-haiku-4-5":           200_000,
	"claude-3-7-sonnet-20250219": 200_000,
	"claude-3-5-haiku-20241022":  200_000,
}

// ResolveModel turns the configured model into a full descriptor.
func ResolveModel(mc config.ModelConfig) provider.ModelRef {
	window, ok := contextWindows[mc.Name]
	if !ok {
		window = defaultContextWindow
	}
	return provider.ModelRef{
		Provider:      mc.Provider,
		Name:          mc.Name,
		API:           "messages",
		ContextWindow: window,
	}
}
