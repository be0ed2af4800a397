// Package timeline maps container timestamps of demuxed packets onto the
// playback timeline across segments, discontinuities and variant switches.
package timeline

import (
	"log/slog"
	"time"

	"github.com/agleyzer/hlsplay/internal/media"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/variant"
)

// Reconciler rewrites packet timestamps for one demuxer. Discontinuity
// offsets are shared by every reconciler through the segment's group.
type Reconciler struct {
	// AudioClock lets audio packets drive the clock. It is set while the
	// stream being played carries no video.
	AudioClock bool

	lastDTS time.Duration
	logger  *slog.Logger
}

// New creates a reconciler with no reference timestamp.
func New(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{lastDTS: media.NoTimestamp, logger: logger}
}

// LastDTS returns the last reconciled DTS, or media.NoTimestamp.
func (r *Reconciler) LastDTS() time.Duration { return r.lastDTS }

// Apply sets the user time and clock flag of p and shifts its PTS and DTS
// by the offset of the discontinuity group seg belongs to. A group's offset
// is resolved by the first packet carrying a DTS:
//
//	offset = last reconciled DTS - DTS
//
// Until then the packet timestamps are cleared. p must come from seg; a nil
// seg clears the timestamps.
func (r *Reconciler) Apply(p *media.Packet, seg *segment.Segment) {
	if seg == nil {
		p.PTS, p.DTS = media.NoTimestamp, media.NoTimestamp
		return
	}

	if p.HasPTS() {
		if seg.TSOffset == media.NoTimestamp {
			seg.TSOffset = p.PTS
		}
		p.UserTime = seg.TimeOffset + max(p.PTS-seg.TSOffset, 0)
		p.DriveClock = p.Type == media.TypeVideo || (r.AudioClock && p.Type == media.TypeAudio)
	}

	disc := seg.Discontinuity
	if disc == nil {
		if p.HasDTS() {
			r.lastDTS = p.DTS
		}
		return
	}

	if !disc.Resolved() && p.HasDTS() {
		disc.Offset = 0
		if r.lastDTS != media.NoTimestamp {
			disc.Offset = r.lastDTS - p.DTS
		}
		r.logger.Debug("discontinuity offset resolved",
			"discontinuity", disc.Seq,
			"segment", seg.Sequence,
			"offset", disc.Offset,
		)
	}

	if !disc.Resolved() {
		p.PTS, p.DTS = media.NoTimestamp, media.NoTimestamp
		return
	}
	if p.HasDTS() {
		p.DTS += disc.Offset
		r.lastDTS = p.DTS
	}
	if p.HasPTS() {
		p.PTS += disc.Offset
	}
}

// Reset forgets the reference DTS and the per-segment timestamp offsets of
// vs. Used on seek, together with segment.Registry.Reset.
func (r *Reconciler) Reset(vs ...*variant.Variant) {
	r.lastDTS = media.NoTimestamp
	for _, v := range vs {
		for _, seg := range v.Segments() {
			seg.TSOffset = media.NoTimestamp
		}
	}
}
