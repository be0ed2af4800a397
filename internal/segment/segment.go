// Package segment defines data structures for HLS media segments and the
// discontinuity groups they belong to.
package segment

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/agleyzer/hlsplay/internal/media"
)

// Crypto is the encryption method applied to a segment.
type Crypto int

const (
	// CryptoNone means the segment is sent in the clear.
	CryptoNone Crypto = iota
	// CryptoAES128 means AES-128-CBC with PKCS#7 padding over the whole segment.
	CryptoAES128
)

func (c Crypto) String() string {
	switch c {
	case CryptoNone:
		return "NONE"
	case CryptoAES128:
		return "AES-128"
	}
	return fmt.Sprintf("crypto(%d)", int(c))
}

// ByteRange selects a sub-range of the resource behind a segment URL.
type ByteRange struct {
	Offset int64
	Size   int64
}

// End returns the offset one past the last byte of the range.
func (r ByteRange) End() int64 { return r.Offset + r.Size }

// Segment represents a single HLS media segment.
type Segment struct {
	// Sequence is the media sequence number of the segment
	Sequence int

	// URL is the absolute segment URL (resolved against the variant URL)
	URL string

	// Range is set when the segment is a byte range of URL
	Range *ByteRange

	// Duration is the declared segment duration
	Duration time.Duration

	// TimeOffset is the start of the segment on the variant timeline
	TimeOffset time.Duration

	// TSOffset is the first container PTS seen in the segment, or
	// media.NoTimestamp until one is seen
	TSOffset time.Duration

	Crypto Crypto
	KeyURL string
	IV     [16]byte

	// Discontinuity is the group the segment belongs to
	Discontinuity *Discontinuity

	// Unavailable is sticky: once a fetch gave up on the segment it is never
	// retried in the same session
	Unavailable bool
}

// New returns a segment with an unset timestamp offset.
func New(seq int, url string, duration time.Duration) *Segment {
	return &Segment{
		Sequence: seq,
		URL:      url,
		Duration: duration,
		TSOffset: media.NoTimestamp,
	}
}

// End returns the time offset one past the end of the segment.
func (s *Segment) End() time.Duration { return s.TimeOffset + s.Duration }

// Encrypted reports whether the segment must be decrypted before demuxing.
func (s *Segment) Encrypted() bool { return s.Crypto != CryptoNone }

func (s *Segment) String() string {
	return fmt.Sprintf("seg#%d(%s @%s)", s.Sequence, s.URL, s.TimeOffset)
}

// IVForSequence derives the default AES-128 IV for a segment: the media
// sequence number as a big-endian integer in the low-order bytes, zero
// elsewhere.
func IVForSequence(seq int) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint32(iv[12:], uint32(seq))
	return iv
}
