package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Player: PlayerConfig{
			CorruptLimit:     3,
			BlendWeight:      3,
			RefreshRate:      1,
			LiveEdgeSegments: 5,
		},
		Fetch: FetchConfig{
			OpenTimeout:     3 * time.Second,
			NotFoundRetries: 5,
			KeyCacheSize:    16,
			ReadChunk:       32 << 10,
		},
		Pipeline: PipelineConfig{
			MaxDelay: time.Minute,
			MaxBytes: 64 << 20,
		},
		Origin: OriginConfig{Port: 8080, WindowSize: 6},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(""))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	// Player defaults
	assert.Equal(t, 3, cfg.Player.CorruptLimit)
	assert.Equal(t, time.Second, cfg.Player.SwitchCooldown)
	assert.True(t, cfg.Player.StrictHeadroom)
	assert.Equal(t, 3, cfg.Player.BlendWeight)
	assert.Equal(t, 10*time.Second, cfg.Player.UpSwitchMinBuffer)
	assert.Equal(t, 5, cfg.Player.LiveEdgeSegments)
	assert.Equal(t, 1, cfg.Player.RefreshRate)
	assert.Equal(t, 100*time.Millisecond, cfg.Player.BadVariantPause)

	// Fetch defaults
	assert.Equal(t, 3*time.Second, cfg.Fetch.OpenTimeout)
	assert.Equal(t, 5, cfg.Fetch.NotFoundRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Fetch.RetryDelay)
	assert.Equal(t, 16, cfg.Fetch.KeyCacheSize)
	assert.Equal(t, 32<<10, cfg.Fetch.ReadChunk)

	// Pipeline defaults
	assert.Equal(t, 60*time.Second, cfg.Pipeline.MaxDelay)
	assert.Equal(t, 64<<20, cfg.Pipeline.MaxBytes)
	assert.Equal(t, 5, cfg.Pipeline.MinPackets)

	// HTTP defaults
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.NotEmpty(t, cfg.HTTP.UserAgent)
	assert.True(t, cfg.HTTP.Decompression)

	// Origin defaults
	assert.Equal(t, 8080, cfg.Origin.Port)
	assert.Equal(t, 6, cfg.Origin.WindowSize)
	assert.Zero(t, cfg.Origin.LoopAfter)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hlsplay.yaml")

	configContent := `
logging:
  level: "debug"
  format: "json"

player:
  corrupt_limit: 5
  switch_cooldown: 2s
  strict_headroom: false
  blend_weight: 0

fetch:
  open_timeout: 10s
  key_cache_size: 4

origin:
  port: 9090
  loop_after: 12s
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(New(configPath))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 5, cfg.Player.CorruptLimit)
	assert.Equal(t, 2*time.Second, cfg.Player.SwitchCooldown)
	assert.False(t, cfg.Player.StrictHeadroom)
	assert.Equal(t, 0, cfg.Player.BlendWeight)
	assert.Equal(t, 10*time.Second, cfg.Fetch.OpenTimeout)
	assert.Equal(t, 4, cfg.Fetch.KeyCacheSize)
	assert.Equal(t, 9090, cfg.Origin.Port)
	assert.Equal(t, 12*time.Second, cfg.Origin.LoopAfter)

	// untouched sections keep their defaults
	assert.Equal(t, 5, cfg.Fetch.NotFoundRetries)
	assert.Equal(t, 6, cfg.Origin.WindowSize)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("HLSPLAY_LOGGING_LEVEL", "warn")
	t.Setenv("HLSPLAY_PLAYER_CORRUPT_LIMIT", "7")
	t.Setenv("HLSPLAY_FETCH_OPEN_TIMEOUT", "1500ms")
	t.Setenv("HLSPLAY_ORIGIN_PORT", "3000")

	cfg, err := Load(New(""))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Player.CorruptLimit)
	assert.Equal(t, 1500*time.Millisecond, cfg.Fetch.OpenTimeout)
	assert.Equal(t, 3000, cfg.Origin.Port)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hlsplay.yaml")

	configContent := `
origin:
  port: 8081
  window_size: 4
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	t.Setenv("HLSPLAY_ORIGIN_PORT", "9000")

	cfg, err := Load(New(configPath))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Origin.Port)
	assert.Equal(t, 4, cfg.Origin.WindowSize)
}

func TestLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hlsplay.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("player: [unclosed"), 0o600))

	_, err := Load(New(configPath))
	assert.Error(t, err)
}

func TestLoad_ValidationFailure(t *testing.T) {
	t.Setenv("HLSPLAY_PLAYER_CORRUPT_LIMIT", "0")

	_, err := Load(New(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "player.corrupt_limit")
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validTestConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero corrupt limit", func(c *Config) { c.Player.CorruptLimit = 0 }, "player.corrupt_limit"},
		{"negative blend weight", func(c *Config) { c.Player.BlendWeight = -1 }, "player.blend_weight"},
		{"zero refresh rate", func(c *Config) { c.Player.RefreshRate = 0 }, "player.refresh_rate"},
		{"zero live edge", func(c *Config) { c.Player.LiveEdgeSegments = 0 }, "player.live_edge_segments"},
		{"zero open timeout", func(c *Config) { c.Fetch.OpenTimeout = 0 }, "fetch.open_timeout"},
		{"negative retries", func(c *Config) { c.Fetch.NotFoundRetries = -1 }, "fetch.not_found_retries"},
		{"zero key cache", func(c *Config) { c.Fetch.KeyCacheSize = 0 }, "fetch.key_cache_size"},
		{"tiny read chunk", func(c *Config) { c.Fetch.ReadChunk = 100 }, "fetch.read_chunk"},
		{"zero max delay", func(c *Config) { c.Pipeline.MaxDelay = 0 }, "pipeline.max_delay"},
		{"zero max bytes", func(c *Config) { c.Pipeline.MaxBytes = 0 }, "pipeline.max_bytes"},
		{"zero port", func(c *Config) { c.Origin.Port = 0 }, "origin.port"},
		{"port too high", func(c *Config) { c.Origin.Port = 70000 }, "origin.port"},
		{"zero window", func(c *Config) { c.Origin.WindowSize = 0 }, "origin.window_size"},
		{"negative loop", func(c *Config) { c.Origin.LoopAfter = -1 }, "origin.loop_after"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(LoggingConfig{Level: "warn", Format: "text"}, &buf)

		logger.Info("hidden")
		logger.Warn("shown", "variant", "bitrate 500000")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "msg=shown")
		assert.Contains(t, out, `variant="bitrate 500000"`)
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(LoggingConfig{Level: "debug", Format: "json"}, &buf)

		logger.Debug("segment opened", "sequence", 4)

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "segment opened", entry["msg"])
		assert.Equal(t, "DEBUG", entry["level"])
		assert.Equal(t, float64(4), entry["sequence"])
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(LoggingConfig{Level: "loud"}, &buf)

		logger.Debug("hidden")
		logger.Info("shown")

		assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	})
}

func TestPlayerConfig(t *testing.T) {
	cfg, err := Load(New(""))
	require.NoError(t, err)

	logger := slog.Default()
	pc := cfg.PlayerConfig(logger)

	assert.Equal(t, 3, pc.ABR.CorruptLimit)
	assert.Equal(t, time.Second, pc.ABR.Cooldown)
	assert.True(t, pc.ABR.StrictHeadroom)
	assert.Equal(t, 10*time.Second, pc.ABR.UpSwitchMinBuffer)
	assert.Equal(t, 3*time.Second, pc.Fetch.OpenTimeout)
	assert.Equal(t, 16, pc.Fetch.KeyCacheSize)
	assert.Equal(t, 60*time.Second, pc.Pipeline.MaxDelay)
	assert.Equal(t, 3, pc.BlendWeight)
	assert.Equal(t, 5, pc.LiveEdgeSegments)
	assert.Equal(t, 10*time.Second, pc.RefreshBufferThreshold)
	assert.Equal(t, 32<<10, pc.ReadChunk)
	assert.Same(t, logger, pc.Logger)
	assert.Same(t, logger, pc.Fetch.Logger)

	hc := cfg.HTTPConfig(logger)
	assert.Equal(t, 30*time.Second, hc.Timeout)
	assert.True(t, hc.EnableDecompression)
	assert.Equal(t, cfg.HTTP.UserAgent, hc.UserAgent)
}
