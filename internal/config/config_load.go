package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Sessions: SessionsConfig{
			ContinuityWindow: Duration(30 * time.Minute),
			Storage:          "~/.convlink/store.json",
			SnapshotInterval: Duration(2 * time.Second),
		},
		Ingest: IngestConfig{
			Workers:         8,
			QueueSize:       256,
			AITimeout:       Duration(60 * time.Second),
			PlatformTimeout: Duration(15 * time.Second),
			HistoryLimit:    20,
			SystemPrompt:    "You are a helpful assistant.",
			FailureReply:    "Sorry, something went wrong while answering. Please try again in a moment.",
			ProfileLookup:   true,
			ProfileTimeout:  Duration(5 * time.Second),
			OutboundRate:    1,
			OutboundBurst:   3,
		},
		Dedupe: DedupeConfig{
			TTL:        Duration(20 * time.Minute),
			MaxEntries: 5000,
		},
		Database: DatabaseConfig{
			MaxOpenConns:  20,
			MaxIdleConns:  5,
			MigrationsDir: "./migrations",
		},
		Providers: ProvidersConfig{
			Default:   "openai",
			MaxTokens: 1024,
		},
		Gateway: GatewayConfig{
			Host:        "0.0.0.0",
			Port:        18790,
			MetricsPath: "/metrics",
		},
		Backfill: BackfillConfig{
			PlaceholderEpsilon: Duration(time.Millisecond),
			SQLiteTable:        "messages",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Sessions.ContinuityWindow < 0:
		return fmt.Errorf("sessions.continuity_window must not be negative")
	case c.Sessions.SnapshotInterval < 0:
		return fmt.Errorf("sessions.snapshot_interval must not be negative")
	case c.Ingest.Workers < 0 || c.Ingest.QueueSize < 0:
		return fmt.Errorf("ingest.workers and ingest.queue_size must not be negative")
	case c.Ingest.AITimeout < 0 || c.Ingest.PlatformTimeout < 0:
		return fmt.Errorf("ingest timeouts must not be negative")
	case c.Dedupe.TTL < 0 || c.Dedupe.MaxEntries < 0:
		return fmt.Errorf("dedupe.ttl and dedupe.max_entries must not be negative")
	}
	switch c.Database.Mode {
	case "", "standalone", "managed":
	default:
		return fmt.Errorf("database.mode %q: want standalone or managed", c.Database.Mode)
	}
	if _, ok := c.Providers.Get(c.Providers.Default); !ok {
		return fmt.Errorf("providers.default %q is not a known provider", c.Providers.Default)
	}
	return nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envDur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("CONVLINK_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("CONVLINK_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("CONVLINK_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("CONVLINK_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("CONVLINK_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("CONVLINK_PROVIDER", &c.Providers.Default)
	envStr("CONVLINK_MODEL", &c.Providers.Model)
	envStr("CONVLINK_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CONVLINK_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envDur("CONVLINK_CONTINUITY_WINDOW", &c.Sessions.ContinuityWindow)
	envStr("CONVLINK_STORAGE", &c.Sessions.Storage)
	envDur("CONVLINK_SNAPSHOT_INTERVAL", &c.Sessions.SnapshotInterval)
	envDur("CONVLINK_AI_TIMEOUT", &c.Ingest.AITimeout)
	envDur("CONVLINK_PLATFORM_TIMEOUT", &c.Ingest.PlatformTimeout)
	envInt("CONVLINK_WORKERS", &c.Ingest.Workers)

	// Database: DSN from env only; its presence switches to managed mode.
	envStr("CONVLINK_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CONVLINK_MODE", &c.Database.Mode)
	if c.Database.PostgresDSN != "" && c.Database.Mode == "" {
		c.Database.Mode = "managed"
	}
	envStr("CONVLINK_MIGRATIONS_DIR", &c.Database.MigrationsDir)

	if v := os.Getenv("CONVLINK_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	envStr("CONVLINK_OTEL_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CONVLINK_OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CONVLINK_OTEL_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("CONVLINK_HOST", &c.Gateway.Host)
	envInt("CONVLINK_PORT", &c.Gateway.Port)
}

// ApplyEnvOverrides re-applies environment overrides (after a reload).
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secrets are tagged json:"-" and never written.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// StoragePath returns the expanded snapshot path of the in-memory store.
func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
