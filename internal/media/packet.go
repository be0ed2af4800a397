// Package media defines the elementary-stream packet record handed from the
// HLS reader to the decoding pipeline.
package media

import (
	"fmt"
	"math"
	"time"
)

// NoTimestamp marks an unset PTS, DTS or user time.
const NoTimestamp = time.Duration(math.MinInt64)

// ClockRate is the MPEG-TS system clock used by PTS and DTS.
const ClockRate = 90000

// Type identifies the queue a packet belongs to, or a control packet.
type Type int

const (
	TypeVideo Type = iota
	TypeAudio
	// TypeFlush tells the consumer to reset its decoders.
	TypeFlush
	// TypeEOS marks the end of the stream.
	TypeEOS
)

func (t Type) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeFlush:
		return "flush"
	case TypeEOS:
		return "eos"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Packet is one framed access unit (or a control marker).
type Packet struct {
	Type Type

	// Data is the access unit payload. Annex-B for H.264, one frame for audio.
	Data []byte

	// PTS and DTS are container timestamps after rescaling from 90 kHz,
	// and after discontinuity reconciliation once the reader has seen them.
	PTS time.Duration
	DTS time.Duration

	// UserTime is the position on the playback timeline.
	UserTime time.Duration

	// Duration of the frame when known, zero otherwise.
	Duration time.Duration

	Keyframe bool

	// Sequence is the media sequence number of the segment the packet came from.
	Sequence int

	// StreamIndex identifies the audio track for audio packets.
	StreamIndex int

	// Codec is a short codec name such as "h264" or "aac".
	Codec string

	// DriveClock is set on packets that drive the pipeline clock.
	DriveClock bool

	// Synthesized is set when timestamps were derived from the sample count
	// rather than read from the container.
	Synthesized bool

	// Skip tells the consumer to decode but not present the packet.
	Skip bool

	// Flush tells the consumer the packet starts a merged variant.
	Flush bool
}

// HasDTS reports whether the packet carries a decode timestamp.
func (p *Packet) HasDTS() bool { return p.DTS != NoTimestamp }

// HasPTS reports whether the packet carries a presentation timestamp.
func (p *Packet) HasPTS() bool { return p.PTS != NoTimestamp }

// Size returns the payload size used for buffer accounting.
func (p *Packet) Size() int { return len(p.Data) }

// FromClock converts a 90 kHz timestamp to a duration.
func FromClock(ts int64) time.Duration {
	return time.Duration(ts) * time.Second / ClockRate
}

// ToClock converts a duration to a 90 kHz timestamp, rounding to the
// nearest tick.
func ToClock(d time.Duration) int64 {
	return int64((d*ClockRate + time.Second/2) / time.Second)
}

// FormatTimestamp renders a timestamp for logs.
func FormatTimestamp(d time.Duration) string {
	if d == NoTimestamp {
		return "unset"
	}
	return d.String()
}
