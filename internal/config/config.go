package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Duration is a time.Duration written as a Go duration string ("30m", "90s")
// or as a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*d = 0
		return nil
	}
	// json5 hands over single-quoted strings verbatim.
	if strings.HasPrefix(s, `"`) || strings.HasPrefix(s, `'`) {
		str := strings.Trim(s, `"'`)
		if str == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(str)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", str, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", s)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Config is the root configuration for the convlink gateway.
type Config struct {
	Sessions  SessionsConfig  `json:"sessions"`
	Ingest    IngestConfig    `json:"ingest"`
	Dedupe    DedupeConfig    `json:"dedupe"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Backfill  BackfillConfig  `json:"backfill,omitempty"`
	mu        sync.RWMutex
}

// SessionsConfig controls conversation resolution.
type SessionsConfig struct {
	// ContinuityWindow is the maximum staleness of a non-threaded conversation
	// that a new message may continue (0 = unbounded). Hot-reloadable.
	ContinuityWindow Duration `json:"continuity_window"`
	// Storage is the snapshot file of the in-memory store (standalone mode).
	Storage string `json:"storage"`
	// SnapshotInterval batches snapshot writes (0 = rewrite on every write).
	// Each write serializes the whole graph.
	SnapshotInterval Duration `json:"snapshot_interval"`
}

// IngestConfig controls the live message pipeline.
type IngestConfig struct {
	Workers          int      `json:"workers"`            // consumer goroutines (default 8)
	QueueSize        int      `json:"queue_size"`         // inbound buffer (default 256)
	AITimeout        Duration `json:"ai_timeout"`         // completion deadline (default 60s)
	PlatformTimeout  Duration `json:"platform_timeout"`   // send/update deadline (default 15s)
	HistoryLimit     int      `json:"history_limit"`      // prompt context turns (default 20)
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	Placeholder      string   `json:"placeholder,omitempty"` // interim text sent before the reply ("" = disabled)
	FailureReply     string   `json:"failure_reply"`         // generic apology on AI failure
	ProfileLookup    bool     `json:"profile_lookup"`        // fetch profile for users without display attributes
	ProfileTimeout   Duration `json:"profile_timeout"`
	OutboundRate     float64  `json:"outbound_rate"`  // per-chat sends per second (0 = unlimited)
	OutboundBurst    int      `json:"outbound_burst"` // per-chat burst
	MaxMessageChars  int      `json:"max_message_chars,omitempty"`
	MaxResponseChars int      `json:"max_response_chars,omitempty"`
}

// DedupeConfig sizes the redelivery cache.
type DedupeConfig struct {
	TTL        Duration `json:"ttl"`         // default 20m
	MaxEntries int      `json:"max_entries"` // default 5000
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is NEVER read from config.json (secret), only from env CONVLINK_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN   string `json:"-"`              // from env CONVLINK_POSTGRES_DSN only
	Mode          string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	MaxOpenConns  int    `json:"max_open_conns,omitempty"`
	MaxIdleConns  int    `json:"max_idle_conns,omitempty"`
	MigrationsDir string `json:"migrations_dir,omitempty"`
}

// IsManagedMode returns true if the gateway persists to Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "convlink-gateway")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// BackfillConfig holds defaults for the backfill command.
type BackfillConfig struct {
	PlaceholderEpsilon Duration `json:"placeholder_epsilon,omitempty"` // default 1ms
	SQLiteTable        string   `json:"sqlite_table,omitempty"`        // default "messages"
}

// ContinuityWindow returns the current window under the read lock.
func (c *Config) ContinuityWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions.ContinuityWindow.Std()
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sessions = src.Sessions
	c.Ingest = src.Ingest
	c.Dedupe = src.Dedupe
	c.Database = src.Database
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Telemetry = src.Telemetry
	c.Backfill = src.Backfill
}
