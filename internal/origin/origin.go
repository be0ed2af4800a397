// Package origin serves a static set of HLS segments as a looping live
// stream, with a sliding window over every variant.
package origin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grafov/m3u8"
)

// Segment is one media segment of a looped variant.
type Segment struct {
	// URL is the segment URL as written to the playlist.
	URL string

	// Duration is the segment duration in seconds.
	Duration float64

	// Sequence is the position in the source playlist.
	Sequence int

	// KeyURL is the AES-128 key URI. Empty for clear segments.
	KeyURL string

	// IV is the explicit initialization vector, as a 0x prefixed hex
	// string. Empty to derive it from the media sequence.
	IV string

	// Length and Offset select a byte range of URL. A zero Length serves
	// the whole resource.
	Length int64
	Offset int64
}

// Variant is a stream served by the origin.
type Variant struct {
	Bandwidth      int
	Resolution     string
	Codecs         string
	TargetDuration int
	Segments       []Segment

	// Audio names the group of alternative audio renditions the variant
	// plays with.
	Audio string
}

// Rendition is an alternative audio rendition.
type Rendition struct {
	Group    string
	Name     string
	Language string
	Default  bool
	Segments []Segment
}

// Origin generates master and media playlists for a sliding window that
// moves over the segments of every variant, looping at the end.
type Origin struct {
	mu             sync.RWMutex
	variants       []Variant
	renditions     []Rendition
	windowSize     int
	sequence       uint64
	targetDuration int
	vod            bool
	logger         *slog.Logger
}

// New creates an origin over variants.
func New(variants []Variant, windowSize int, logger *slog.Logger) (*Origin, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("cannot create origin with zero variants")
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive")
	}

	if logger == nil {
		logger = slog.Default()
	}

	maxTargetDuration := 0
	for i, v := range variants {
		if len(v.Segments) == 0 {
			return nil, fmt.Errorf("variant %d has zero segments", i)
		}
		if v.TargetDuration > maxTargetDuration {
			maxTargetDuration = v.TargetDuration
		}
		if windowSize > len(v.Segments) {
			logger.Warn("window size larger than variant segment count",
				"variant", i,
				"windowSize", windowSize,
				"segmentCount", len(v.Segments),
			)
		}
	}

	return &Origin{
		variants:       variants,
		windowSize:     windowSize,
		targetDuration: maxTargetDuration,
		logger:         logger,
	}, nil
}

// AddRendition adds an alternative audio rendition. Renditions are
// served at /audio{i}/playlist.m3u8 in the order they were added.
func (o *Origin) AddRendition(r Rendition) error {
	if len(r.Segments) == 0 {
		return fmt.Errorf("rendition %q has zero segments", r.Name)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.renditions = append(o.renditions, r)
	return nil
}

// SetVOD switches between a looping live window and a finished playlist
// listing every segment once.
func (o *Origin) SetVOD(vod bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.vod = vod
}

// IsMaster reports whether the origin needs a master playlist: several
// variants, or alternative renditions.
func (o *Origin) IsMaster() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.variants) > 1 || len(o.renditions) > 0
}

// GenerateMaster creates the master playlist.
func (o *Origin) GenerateMaster() (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var alts []*m3u8.Alternative
	for i, r := range o.renditions {
		autoselect := "NO"
		if r.Default {
			autoselect = "YES"
		}
		alts = append(alts, &m3u8.Alternative{
			Type:       "AUDIO",
			GroupId:    r.Group,
			Name:       r.Name,
			Language:   r.Language,
			Default:    r.Default,
			Autoselect: autoselect,
			URI:        fmt.Sprintf("/audio%d/playlist.m3u8", i),
		})
	}

	master := m3u8.NewMasterPlaylist()
	for i, v := range o.variants {
		params := m3u8.VariantParams{
			Bandwidth:  uint32(v.Bandwidth),
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
			Audio:      v.Audio,
		}
		// each rendition is listed once
		if i == 0 {
			params.Alternatives = alts
		}
		master.Append(fmt.Sprintf("/variant%d/playlist.m3u8", i), nil, params)
	}

	return master.String(), nil
}

// GenerateVariant creates the media playlist of the variant at index.
func (o *Origin) GenerateVariant(index int) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if index < 0 || index >= len(o.variants) {
		return "", fmt.Errorf("variant index %d out of range (0-%d)", index, len(o.variants)-1)
	}

	v := o.variants[index]
	return o.generate(v.Segments, v.TargetDuration)
}

// GenerateRendition creates the media playlist of the audio rendition at
// index.
func (o *Origin) GenerateRendition(index int) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if index < 0 || index >= len(o.renditions) {
		return "", fmt.Errorf("rendition index %d out of range", index)
	}
	return o.generate(o.renditions[index].Segments, o.targetDuration)
}

// generate encodes the current window over segments. The caller holds at
// least a read lock.
func (o *Origin) generate(segments []Segment, targetDuration int) (string, error) {
	total := len(segments)

	first, count := uint64(0), total
	if !o.vod {
		first, count = o.sequence, min(o.windowSize, total)
	}

	p, err := m3u8.NewMediaPlaylist(0, uint(count))
	if err != nil {
		return "", fmt.Errorf("failed to create media playlist: %w", err)
	}
	p.SeqNo = first
	p.TargetDuration = float64(targetDuration)
	if !o.vod {
		p.DiscontinuitySeq = discontinuitiesBefore(first, total)
	}

	for i := first; i < first+uint64(count); i++ {
		seg := segments[i%uint64(total)]
		if err := p.Append(seg.URL, seg.Duration, ""); err != nil {
			return "", fmt.Errorf("failed to append segment: %w", err)
		}
		// the source restarts at every loop point
		if i > 0 && i%uint64(total) == 0 {
			if err := p.SetDiscontinuity(); err != nil {
				return "", err
			}
		}
		if seg.Length > 0 {
			if err := p.SetRange(seg.Length, seg.Offset); err != nil {
				return "", err
			}
		}
		if seg.KeyURL != "" {
			if err := p.SetKey("AES-128", seg.KeyURL, seg.IV, "", ""); err != nil {
				return "", err
			}
		}
	}

	if o.vod {
		p.Close()
	}
	return p.String(), nil
}

// discontinuitiesBefore counts the loop points ahead of absolute segment
// index first. The loop point itself carries the tag.
func discontinuitiesBefore(first uint64, total int) uint64 {
	if first == 0 {
		return 0
	}
	return (first - 1) / uint64(total)
}

// Advance moves the window of every variant forward by one segment.
func (o *Origin) Advance() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.sequence++

	o.logger.Debug("advanced all variant windows",
		"variants", len(o.variants),
		"sequence", o.sequence,
	)
}

// StartAutoAdvance advances the window every target duration until ctx is
// done.
func (o *Origin) StartAutoAdvance(ctx context.Context) {
	interval := time.Duration(o.targetDuration) * time.Second
	if interval <= 0 {
		interval = time.Second
	}

	o.logger.Info("starting auto-advance",
		"interval", interval,
		"windowSize", o.windowSize,
		"variantCount", len(o.variants),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("stopping auto-advance")
			return
		case <-ticker.C:
			o.Advance()
		}
	}
}

// Stats returns current statistics about the origin.
func (o *Origin) Stats() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	variantStats := make([]map[string]interface{}, len(o.variants))
	for i, v := range o.variants {
		variantStats[i] = map[string]interface{}{
			"index":          i,
			"bandwidth":      v.Bandwidth,
			"resolution":     v.Resolution,
			"total_segments": len(v.Segments),
			"position":       int(o.sequence % uint64(len(v.Segments))),
		}
	}

	return map[string]interface{}{
		"is_master":       len(o.variants) > 1 || len(o.renditions) > 0,
		"vod":             o.vod,
		"window_size":     o.windowSize,
		"sequence_number": o.sequence,
		"target_duration": o.targetDuration,
		"variants":        variantStats,
		"variant_count":   len(o.variants),
		"rendition_count": len(o.renditions),
	}
}
