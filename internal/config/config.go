// Package config provides configuration management for hlsplay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agleyzer/hlsplay/internal/abr"
	"github.com/agleyzer/hlsplay/internal/fetch"
	"github.com/agleyzer/hlsplay/internal/pipeline"
	"github.com/agleyzer/hlsplay/internal/player"
	"github.com/agleyzer/hlsplay/internal/source"
)

// Default configuration values.
const (
	defaultCorruptLimit      = 3
	defaultSwitchCooldown    = time.Second
	defaultUpSwitchMinBuffer = 10 * time.Second
	defaultLiveEdgeSegments  = 5
	defaultRefreshThreshold  = 10 * time.Second
	defaultRefreshRate       = 1
	defaultLiveWait          = time.Second
	defaultBadVariantPause   = 100 * time.Millisecond
	defaultReadChunk         = 32 << 10
	defaultOriginPort        = 8080
	defaultWindowSize        = 6
)

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Player   PlayerConfig   `mapstructure:"player"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Origin   OriginConfig   `mapstructure:"origin"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// PlayerConfig holds variant selection and live playback configuration.
type PlayerConfig struct {
	CorruptLimit           int           `mapstructure:"corrupt_limit"`
	SwitchCooldown         time.Duration `mapstructure:"switch_cooldown"`
	StrictHeadroom         bool          `mapstructure:"strict_headroom"`
	BlendWeight            int           `mapstructure:"blend_weight"` // weight of the previous estimate, 0 = lower of both
	UpSwitchMinBuffer      time.Duration `mapstructure:"up_switch_min_buffer"`
	LiveEdgeSegments       int           `mapstructure:"live_edge_segments"`
	RefreshBufferThreshold time.Duration `mapstructure:"refresh_buffer_threshold"`
	RefreshRate            int           `mapstructure:"refresh_rate"` // playlist reloads per second
	LiveWait               time.Duration `mapstructure:"live_wait"`
	BadVariantPause        time.Duration `mapstructure:"bad_variant_pause"`
}

// FetchConfig holds segment fetch configuration.
type FetchConfig struct {
	OpenTimeout     time.Duration `mapstructure:"open_timeout"`
	NotFoundRetries int           `mapstructure:"not_found_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	KeyCacheSize    int           `mapstructure:"key_cache_size"`
	ReadChunk       int           `mapstructure:"read_chunk"`
}

// PipelineConfig holds the packet queue limits.
type PipelineConfig struct {
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	MaxBytes   int           `mapstructure:"max_bytes"`
	MinPackets int           `mapstructure:"min_packets"`
}

// HTTPConfig holds HTTP client configuration.
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	Decompression bool          `mapstructure:"decompression"`
}

// OriginConfig holds configuration of the looping origin.
type OriginConfig struct {
	Port       int           `mapstructure:"port"`
	WindowSize int           `mapstructure:"window_size"`
	LoopAfter  time.Duration `mapstructure:"loop_after"` // 0 = all segments
}

// New returns a viper instance with defaults, the HLSPLAY_ environment
// prefix and, when configPath is set, the config file. Without a path,
// hlsplay.yaml is looked up in the usual places.
func New(configPath string) *viper.Viper {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("hlsplay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.hlsplay")
		v.AddConfigPath("/etc/hlsplay")
	}

	// HLSPLAY_PLAYER_CORRUPT_LIMIT=5
	v.SetEnvPrefix("HLSPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file of v, if any, and returns the validated
// configuration. A missing config file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Player defaults
	v.SetDefault("player.corrupt_limit", defaultCorruptLimit)
	v.SetDefault("player.switch_cooldown", defaultSwitchCooldown)
	v.SetDefault("player.strict_headroom", true)
	v.SetDefault("player.blend_weight", abr.DefaultBlendWeight)
	v.SetDefault("player.up_switch_min_buffer", defaultUpSwitchMinBuffer)
	v.SetDefault("player.live_edge_segments", defaultLiveEdgeSegments)
	v.SetDefault("player.refresh_buffer_threshold", defaultRefreshThreshold)
	v.SetDefault("player.refresh_rate", defaultRefreshRate)
	v.SetDefault("player.live_wait", defaultLiveWait)
	v.SetDefault("player.bad_variant_pause", defaultBadVariantPause)

	// Fetch defaults
	v.SetDefault("fetch.open_timeout", fetch.DefaultOpenTimeout)
	v.SetDefault("fetch.not_found_retries", fetch.DefaultNotFoundRetries)
	v.SetDefault("fetch.retry_delay", fetch.DefaultRetryDelay)
	v.SetDefault("fetch.key_cache_size", fetch.DefaultKeyCacheSize)
	v.SetDefault("fetch.read_chunk", defaultReadChunk)

	// Pipeline defaults
	v.SetDefault("pipeline.max_delay", pipeline.DefaultMaxDelay)
	v.SetDefault("pipeline.max_bytes", pipeline.DefaultMaxBytes)
	v.SetDefault("pipeline.min_packets", pipeline.DefaultMinPackets)

	// HTTP defaults
	v.SetDefault("http.timeout", source.DefaultTimeout)
	v.SetDefault("http.user_agent", source.DefaultUserAgent)
	v.SetDefault("http.decompression", true)

	// Origin defaults
	v.SetDefault("origin.port", defaultOriginPort)
	v.SetDefault("origin.window_size", defaultWindowSize)
	v.SetDefault("origin.loop_after", time.Duration(0))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Player validation
	if c.Player.CorruptLimit < 1 {
		return fmt.Errorf("player.corrupt_limit must be at least 1")
	}
	if c.Player.BlendWeight < 0 {
		return fmt.Errorf("player.blend_weight must not be negative")
	}
	if c.Player.RefreshRate < 1 {
		return fmt.Errorf("player.refresh_rate must be at least 1")
	}
	if c.Player.LiveEdgeSegments < 1 {
		return fmt.Errorf("player.live_edge_segments must be at least 1")
	}

	// Fetch validation
	if c.Fetch.OpenTimeout <= 0 {
		return fmt.Errorf("fetch.open_timeout must be positive")
	}
	if c.Fetch.NotFoundRetries < 0 {
		return fmt.Errorf("fetch.not_found_retries must not be negative")
	}
	if c.Fetch.KeyCacheSize < 1 {
		return fmt.Errorf("fetch.key_cache_size must be at least 1")
	}
	if c.Fetch.ReadChunk < 188 {
		return fmt.Errorf("fetch.read_chunk must be at least one transport packet (188 bytes)")
	}

	// Pipeline validation
	if c.Pipeline.MaxDelay <= 0 {
		return fmt.Errorf("pipeline.max_delay must be positive")
	}
	if c.Pipeline.MaxBytes <= 0 {
		return fmt.Errorf("pipeline.max_bytes must be positive")
	}

	// Origin validation
	const maxPort = 65535
	if c.Origin.Port < 1 || c.Origin.Port > maxPort {
		return fmt.Errorf("origin.port must be between 1 and %d", maxPort)
	}
	if c.Origin.WindowSize < 1 {
		return fmt.Errorf("origin.window_size must be at least 1")
	}
	if c.Origin.LoopAfter < 0 {
		return fmt.Errorf("origin.loop_after must not be negative")
	}

	return nil
}

// PlayerConfig maps the configuration onto a player session config.
func (c *Config) PlayerConfig(logger *slog.Logger) player.Config {
	return player.Config{
		ABR: abr.Config{
			CorruptLimit:      c.Player.CorruptLimit,
			Cooldown:          c.Player.SwitchCooldown,
			StrictHeadroom:    c.Player.StrictHeadroom,
			UpSwitchMinBuffer: c.Player.UpSwitchMinBuffer,
			Logger:            logger,
		},
		Fetch: fetch.Config{
			OpenTimeout:     c.Fetch.OpenTimeout,
			NotFoundRetries: c.Fetch.NotFoundRetries,
			RetryDelay:      c.Fetch.RetryDelay,
			KeyCacheSize:    c.Fetch.KeyCacheSize,
			Logger:          logger,
		},
		Pipeline: pipeline.Config{
			MaxDelay:   c.Pipeline.MaxDelay,
			MaxBytes:   c.Pipeline.MaxBytes,
			MinPackets: c.Pipeline.MinPackets,
			Logger:     logger,
		},
		BlendWeight:            c.Player.BlendWeight,
		LiveEdgeSegments:       c.Player.LiveEdgeSegments,
		RefreshBufferThreshold: c.Player.RefreshBufferThreshold,
		RefreshRate:            c.Player.RefreshRate,
		LiveWait:               c.Player.LiveWait,
		BadVariantPause:        c.Player.BadVariantPause,
		ReadChunk:              c.Fetch.ReadChunk,
		Logger:                 logger,
	}
}

// HTTPConfig maps the configuration onto an HTTP opener config.
func (c *Config) HTTPConfig(logger *slog.Logger) source.HTTPConfig {
	return source.HTTPConfig{
		Timeout:             c.HTTP.Timeout,
		UserAgent:           c.HTTP.UserAgent,
		EnableDecompression: c.HTTP.Decompression,
		Logger:              logger,
	}
}

// ParseLevel maps a level name to a slog level. "warning" is accepted as
// an alias of "warn".
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
}

// NewLogger creates a logger writing to w. Unknown levels fall back to
// info.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
