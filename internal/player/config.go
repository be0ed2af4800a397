package player

import (
	"log/slog"
	"time"

	"github.com/agleyzer/hlsplay/internal/abr"
	"github.com/agleyzer/hlsplay/internal/fetch"
	"github.com/agleyzer/hlsplay/internal/pipeline"
)

// Config holds the session configuration.
type Config struct {
	ABR      abr.Config
	Fetch    fetch.Config
	Pipeline pipeline.Config

	// BlendWeight is the estimator weight of the previous estimate.
	BlendWeight int

	// LiveEdgeSegments is how far behind the newest segment a live stream
	// starts when the playlist has no #EXT-X-START.
	LiveEdgeSegments int

	// RefreshBufferThreshold is the buffered media below which a live
	// playlist is reloaded when no next segment is known.
	RefreshBufferThreshold time.Duration

	// RefreshRate is the maximum number of playlist reloads per second and
	// reader.
	RefreshRate int

	// LiveWait is how long the reader sleeps for a live playlist to grow.
	LiveWait time.Duration

	// BadVariantPause is the pause after a variant failed.
	BadVariantPause time.Duration

	// ReadChunk is the size of segment reads.
	ReadChunk int

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ABR:                    abr.DefaultConfig(),
		Fetch:                  fetch.DefaultConfig(),
		Pipeline:               pipeline.DefaultConfig(),
		BlendWeight:            abr.DefaultBlendWeight,
		LiveEdgeSegments:       5,
		RefreshBufferThreshold: 10 * time.Second,
		RefreshRate:            1,
		LiveWait:               time.Second,
		BadVariantPause:        100 * time.Millisecond,
		ReadChunk:              32 << 10,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.LiveEdgeSegments <= 0 {
		c.LiveEdgeSegments = d.LiveEdgeSegments
	}
	if c.RefreshRate <= 0 {
		c.RefreshRate = d.RefreshRate
	}
	if c.LiveWait <= 0 {
		c.LiveWait = d.LiveWait
	}
	if c.BadVariantPause < 0 {
		c.BadVariantPause = 0
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = d.ReadChunk
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
