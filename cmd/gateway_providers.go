package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/providers"
)

// OpenAI-compatible endpoints and their default models.
var openAICompatible = map[string]struct{ base, model string }{
	"openai":     {"", "gpt-4o-mini"},
	"openrouter": {"https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4-5-20250929"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
	"deepseek":   {"https://api.deepseek.com/v1", "deepseek-chat"},
}

// buildCompleter creates the configured completion provider.
func buildCompleter(cfg *config.Config) (providers.Completer, error) {
	name := cfg.Providers.Default
	pc, ok := cfg.Providers.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	if pc.APIKey == "" {
		return nil, fmt.Errorf("provider %s has no API key (set CONVLINK_%s_API_KEY)", name, strings.ToUpper(name))
	}

	if name == "anthropic" {
		p := providers.NewAnthropicProvider(pc.APIKey,
			providers.WithAnthropicModel(cfg.Providers.Model),
			providers.WithAnthropicBaseURL(pc.APIBase),
		)
		slog.Info("registered provider", "name", p.Name(), "model", p.DefaultModel())
		return p, nil
	}

	defaults := openAICompatible[name]
	base := pc.APIBase
	if base == "" {
		base = defaults.base
	}
	model := cfg.Providers.Model
	if model == "" {
		model = defaults.model
	}
	p := providers.NewOpenAIProvider(name, pc.APIKey, base, model)
	slog.Info("registered provider", "name", p.Name(), "model", p.DefaultModel())
	return p, nil
}
