package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled     bool                `json:"enabled"`
	Token       string              `json:"-"` // from env CONVLINK_TELEGRAM_TOKEN only
	Proxy       string              `json:"proxy,omitempty"`
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	GroupPolicy string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
	Reactions   *bool               `json:"reactions,omitempty"`    // subscribe to message_reaction updates (default true)
}

// ReactionsEnabled reports whether reaction updates are requested.
func (t TelegramConfig) ReactionsEnabled() bool {
	return t.Reactions == nil || *t.Reactions
}

type DiscordConfig struct {
	Enabled     bool                `json:"enabled"`
	Token       string              `json:"-"` // from env CONVLINK_DISCORD_TOKEN only
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	GroupPolicy string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
}

// ProvidersConfig selects the completion backend.
type ProvidersConfig struct {
	Default    string         `json:"default"` // "openai" (default), "anthropic", "openrouter", "groq", "deepseek"
	Model      string         `json:"model,omitempty"` // "" = the provider's default model
	MaxTokens  int            `json:"max_tokens,omitempty"`
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	DeepSeek   ProviderConfig `json:"deepseek"`
}

type ProviderConfig struct {
	APIKey  string `json:"-"` // from env only
	APIBase string `json:"api_base,omitempty"`
}

// Get returns the named provider section.
func (p ProvidersConfig) Get(name string) (ProviderConfig, bool) {
	switch name {
	case "anthropic":
		return p.Anthropic, true
	case "openai":
		return p.OpenAI, true
	case "openrouter":
		return p.OpenRouter, true
	case "groq":
		return p.Groq, true
	case "deepseek":
		return p.DeepSeek, true
	}
	return ProviderConfig{}, false
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" ||
		p.OpenAI.APIKey != "" ||
		p.OpenRouter.APIKey != "" ||
		p.Groq.APIKey != "" ||
		p.DeepSeek.APIKey != ""
}

// GatewayConfig controls the HTTP listener serving health and metrics.
type GatewayConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	MetricsPath string `json:"metrics_path,omitempty"` // default "/metrics"
}
