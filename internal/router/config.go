package router

import (
	"strings"

	"github.com/qwen-gateway/qwen-gateway/internal/config"
)

// FromConfig builds a Router over the built-in table with the configured
// aliases layered on top. A configured alias replaces a built-in of the same name.
func FromConfig(cfg *config.Config) (*Router, error) {
	table := DefaultTable()
	if cfg != nil {
		for _, entry := range cfg.ModelAliases {
			name := normalize(entry.Name)
			for existing := range table {
				if normalize(existing) == name {
					delete(table, existing)
				}
			}
			alias := ModelAlias{
				TargetModel:     strings.TrimSpace(entry.Model),
				ThinkingEnabled: entry.Thinking,
				Description:     "Configured alias",
			}
			for _, t := range entry.Tools {
				if t = strings.TrimSpace(t); t != "" {
					alias.AutoTools = append(alias.AutoTools, Tool(t))
				}
			}
			if entry.MaxTokens > 0 {
				alias.MaxTokensOverride = intPtr(entry.MaxTokens)
			}
			if name == DefaultAliasKey {
				table[DefaultAliasKey] = alias
				continue
			}
			table[strings.TrimSpace(entry.Name)] = alias
		}
	}
	return New(table, KnownModels)
}
