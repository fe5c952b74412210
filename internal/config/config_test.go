package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.ContinuityWindow())
	assert.Equal(t, 20*time.Minute, cfg.Dedupe.TTL.Std())
	assert.Equal(t, 5000, cfg.Dedupe.MaxEntries)
	assert.Equal(t, "openai", cfg.Providers.Default)
}

func TestLoad_JSON5AndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// comments and trailing commas are fine
		sessions: { continuity_window: '2h', },
		ingest: { workers: 3, ai_timeout: 45, },
		channels: { telegram: { allow_from: [12345, "@alice"] } },
		providers: { default: "anthropic" },
	}`), 0600))

	t.Setenv("CONVLINK_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("CONVLINK_POSTGRES_DSN", "postgres://x")
	t.Setenv("CONVLINK_ANTHROPIC_API_KEY", "sk-ant")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.ContinuityWindow())
	assert.Equal(t, 3, cfg.Ingest.Workers)
	assert.Equal(t, 45*time.Second, cfg.Ingest.AITimeout.Std())
	assert.Equal(t, FlexibleStringSlice{"12345", "@alice"}, cfg.Channels.Telegram.AllowFrom)
	assert.True(t, cfg.Channels.Telegram.Enabled)
	assert.Equal(t, "tg-token", cfg.Channels.Telegram.Token)
	assert.True(t, cfg.IsManagedMode())
	assert.True(t, cfg.HasAnyProvider())
	// untouched sections keep their defaults
	assert.Equal(t, 15*time.Second, cfg.Ingest.PlatformTimeout.Std())
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"syntax":   `{ sessions: `,
		"negative": `{ sessions: { continuity_window: "-1m" } }`,
		"mode":     `{ database: { mode: "cluster" } }`,
		"provider": `{ providers: { default: "pager" } }`,
		"duration": `{ ingest: { ai_timeout: "soon" } }`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json5")
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSave_OmitsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Channels.Discord.Token = "secret-token"
	cfg.Database.PostgresDSN = "postgres://secret"
	path := filepath.Join(t.TempDir(), "out", "config.json")
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), `"continuity_window": "30m0s"`)

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ContinuityWindow(), back.ContinuityWindow())
}

func TestReplaceFromAndHash(t *testing.T) {
	a, b := Default(), Default()
	assert.Equal(t, a.Hash(), b.Hash())

	b.Sessions.ContinuityWindow = Duration(time.Hour)
	assert.NotEqual(t, a.Hash(), b.Hash())
	a.ReplaceFrom(b)
	assert.Equal(t, time.Hour, a.ContinuityWindow())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x", "y"), ExpandHome("~/x/y"))
	assert.Equal(t, "/abs", ExpandHome("/abs"))
}

func TestWatch_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{ sessions: { continuity_window: "10m" } }`), 0600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { changes <- c }) }()

	// Give the watcher time to register before editing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{ sessions: { continuity_window: "45m" } }`), 0600))

	select {
	case cfg := <-changes:
		assert.Equal(t, 45*time.Minute, cfg.ContinuityWindow())
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}

	cancel()
	require.NoError(t, <-done)
}
