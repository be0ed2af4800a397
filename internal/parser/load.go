package parser

import (
	"context"
	"fmt"
	"time"

	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/source"
	"github.com/agleyzer/hlsplay/internal/variant"
)

// maxPlaylistSize bounds how much of a playlist response is read.
const maxPlaylistSize = 16 << 20

// Load fetches playlist text through the byte-stream abstraction.
func Load(ctx context.Context, o source.Opener, playlistURL string) (string, error) {
	data, err := source.ReadAll(ctx, o, playlistURL, maxPlaylistSize)
	if err != nil {
		return "", fmt.Errorf("failed to fetch playlist: %w: %w", ErrUnloadable, err)
	}
	return string(data), nil
}

// LoadMaster fetches and parses the playlist at playlistURL. The returned
// text is the raw playlist; for a plain media playlist it can be applied to
// the single variant without fetching it again.
func LoadMaster(ctx context.Context, o source.Opener, playlistURL string) (*Master, string, error) {
	text, err := Load(ctx, o, playlistURL)
	if err != nil {
		return nil, "", err
	}
	m, err := ParseMaster(text, playlistURL)
	if err != nil {
		return nil, "", err
	}
	return m, text, nil
}

// Refresh reloads a variant's media playlist and applies it. Frozen
// variants are never reloaded.
func Refresh(ctx context.Context, o source.Opener, v *variant.Variant, reg *segment.Registry) (Result, error) {
	if v.Frozen {
		return Result{}, nil
	}
	text, err := Load(ctx, o, v.URL)
	if err != nil {
		return Result{}, err
	}
	v.Loaded = time.Now()
	return ApplyMedia(v, text, reg)
}
