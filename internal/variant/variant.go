// Package variant defines HLS variant streams and the ordered, append-only
// segment store each of them owns.
package variant

import (
	"fmt"
	"sort"
	"time"

	"github.com/agleyzer/hlsplay/internal/segment"
)

// Variant represents a single rendition's media playlist.
// Each variant typically represents a different quality level (bitrate/resolution),
// or an alternative audio rendition.
type Variant struct {
	// Name is a short label for logs ("single", the rendition NAME, or the URL)
	Name string

	// URL is the absolute URL of the variant's media playlist
	URL string

	// Bandwidth is the declared peak bitrate in bits per second
	Bandwidth int

	// Width and Height are parsed from RESOLUTION, zero if absent
	Width  int
	Height int

	// Codecs is the raw CODECS attribute
	Codecs string

	// Profile and Level are recovered from a known avc1 codec string
	Profile string
	Level   string

	// AudioOnly is set when CODECS lacks an avc1 entry
	AudioOnly bool

	// AudioGroup and SubsGroup reference #EXT-X-MEDIA groups
	AudioGroup string
	SubsGroup  string
	ProgramID  int

	// Language and Default are set on audio renditions
	Language string
	Default  bool

	// TargetDuration is the declared maximum segment duration
	TargetDuration time.Duration

	// Frozen is set once #EXT-X-ENDLIST has been seen; no segment will be
	// appended afterwards
	Frozen bool

	// Corrupt counts failures attributed to this variant
	Corrupt int

	// FirstSeq and LastSeq bound the stored segments, -1 when empty
	FirstSeq int
	LastSeq  int

	// WindowStart is the media sequence of the latest refresh. Live segments
	// below it are still stored but no longer reachable for seeking.
	WindowStart int

	// StartOffset is the #EXT-X-START TIME-OFFSET, valid when HasStart
	StartOffset time.Duration
	HasStart    bool

	// Loaded is the wall-clock time of the last successful playlist load
	Loaded time.Time

	// DiscontinuitySeq is the discontinuity sequence of the last stored segment
	DiscontinuitySeq int

	segments []*segment.Segment
	duration time.Duration
}

// New creates an empty variant for the given playlist URL.
func New(name, url string) *Variant {
	return &Variant{
		Name:     name,
		URL:      url,
		FirstSeq: -1,
		LastSeq:  -1,
	}
}

func (v *Variant) String() string {
	return fmt.Sprintf("%s (%d bps)", v.Name, v.Bandwidth)
}

// Resolution returns the WxH label, or an empty string.
func (v *Variant) Resolution() string {
	if v.Width == 0 || v.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// Append stores seg at the end of the variant timeline. Segments must arrive
// in strictly increasing sequence order; anything at or below LastSeq is
// refused so a playlist refresh never duplicates segments.
func (v *Variant) Append(seg *segment.Segment) error {
	if seg.Sequence <= v.LastSeq {
		return fmt.Errorf("segment %d is not after last sequence %d", seg.Sequence, v.LastSeq)
	}
	seg.TimeOffset = v.duration
	v.duration += seg.Duration
	v.segments = append(v.segments, seg)

	if v.FirstSeq < 0 {
		v.FirstSeq = seg.Sequence
	}
	v.LastSeq = seg.Sequence
	return nil
}

// Len returns the number of stored segments.
func (v *Variant) Len() int { return len(v.segments) }

// Segments returns the stored segments in sequence order. The slice must not
// be modified.
func (v *Variant) Segments() []*segment.Segment { return v.segments }

// Duration returns the total duration of all stored segments.
func (v *Variant) Duration() time.Duration { return v.duration }

// Last returns the newest segment, or nil.
func (v *Variant) Last() *segment.Segment {
	if len(v.segments) == 0 {
		return nil
	}
	return v.segments[len(v.segments)-1]
}

// FindBySeq returns the segment with the given sequence number, or nil.
func (v *Variant) FindBySeq(seq int) *segment.Segment {
	if len(v.segments) == 0 || seq < v.FirstSeq || seq > v.LastSeq {
		return nil
	}
	// Sequences are usually contiguous.
	if i := seq - v.FirstSeq; i < len(v.segments) && v.segments[i].Sequence == seq {
		return v.segments[i]
	}
	i := sort.Search(len(v.segments), func(i int) bool {
		return v.segments[i].Sequence >= seq
	})
	if i < len(v.segments) && v.segments[i].Sequence == seq {
		return v.segments[i]
	}
	return nil
}

// Next returns the stored segment following seg, or nil.
func (v *Variant) Next(seg *segment.Segment) *segment.Segment {
	i := sort.Search(len(v.segments), func(i int) bool {
		return v.segments[i].Sequence > seg.Sequence
	})
	if i < len(v.segments) {
		return v.segments[i]
	}
	return nil
}

// FindByTime returns the reachable segment covering pos. Positions before
// the reachable range map to its first segment; positions at or past the
// end return nil.
func (v *Variant) FindByTime(pos time.Duration) *segment.Segment {
	reachable := v.reachable()
	if len(reachable) == 0 {
		return nil
	}
	i := sort.Search(len(reachable), func(i int) bool {
		return reachable[i].End() > pos
	})
	if i == len(reachable) {
		return nil
	}
	return reachable[i]
}

// reachable returns the segments a seek may land on.
func (v *Variant) reachable() []*segment.Segment {
	if v.Frozen || v.WindowStart <= v.FirstSeq {
		return v.segments
	}
	i := sort.Search(len(v.segments), func(i int) bool {
		return v.segments[i].Sequence >= v.WindowStart
	})
	return v.segments[i:]
}

// MarkCorrupt bumps the corruption counter and returns the new value.
func (v *Variant) MarkCorrupt() int {
	v.Corrupt++
	return v.Corrupt
}

// Disqualify pushes the corruption counter to limit so the variant is never
// selected again.
func (v *Variant) Disqualify(limit int) {
	if v.Corrupt < limit {
		v.Corrupt = limit
	}
}

// Usable reports whether the corruption counter is below limit.
func (v *Variant) Usable(limit int) bool { return v.Corrupt < limit }
