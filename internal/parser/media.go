package parser

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/variant"
)

// Result describes what a media playlist refresh did.
type Result struct {
	// Items is the number of segment URIs listed in the playlist
	Items int

	// Added is the number of new segments appended to the variant
	Added int
}

// keyState is the #EXT-X-KEY in effect while walking a playlist.
type keyState struct {
	crypto     segment.Crypto
	url        string
	iv         [16]byte
	explicitIV bool
}

// ApplyMedia parses a media playlist and appends every segment newer than
// the variant's last known sequence. Reapplying the same text is a no-op.
func ApplyMedia(v *variant.Variant, text string, reg *segment.Registry) (Result, error) {
	var res Result
	if !IsPlaylist(text) {
		return res, fmt.Errorf("%s: not an m3u playlist: %w", v.URL, ErrUnloadable)
	}

	var (
		duration   time.Duration
		seq        int
		windowSeen bool
		discSeq    = -1
		key        keyState
		byteRange  *segment.ByteRange
		lastEnd    int64
	)

	// discontinuity sequence of the segment preceding seq, if stored
	previousDiscSeq := func() int {
		if prev := v.FindBySeq(seq - 1); prev != nil && prev.Discontinuity != nil {
			return prev.Discontinuity.Seq
		}
		if v.Len() > 0 {
			return v.DiscontinuitySeq
		}
		return 0
	}

	lines(text, func(line string) {
		switch {
		case strings.HasPrefix(line, tagInf):
			duration = parseDuration(strings.SplitN(line[len(tagInf):], ",", 2)[0])

		case strings.HasPrefix(line, tagEndList):
			v.Frozen = true

		case strings.HasPrefix(line, tagTargetDuration):
			v.TargetDuration = parseDuration(line[len(tagTargetDuration):])

		case strings.HasPrefix(line, tagKey):
			key = parseKey(ParseAttributes(line[len(tagKey):]), v.URL)

		case strings.HasPrefix(line, tagMediaSequence):
			seq, _ = strconv.Atoi(strings.TrimSpace(line[len(tagMediaSequence):]))
			if !windowSeen {
				v.WindowStart = seq
				windowSeen = true
			}

		case strings.HasPrefix(line, tagDiscontinuitySeq):
			discSeq, _ = strconv.Atoi(strings.TrimSpace(line[len(tagDiscontinuitySeq):]))

		case line == tagDiscontinuity:
			if discSeq == -1 {
				discSeq = previousDiscSeq()
			}
			discSeq++

		case strings.HasPrefix(line, tagStart):
			attrs := ParseAttributes(line[len(tagStart):])
			if off, ok := attrs.Get("TIME-OFFSET"); ok {
				v.StartOffset = max(parseDuration(off), 0)
				v.HasStart = true
			}

		case strings.HasPrefix(line, tagByteRange):
			byteRange = parseByteRange(line[len(tagByteRange):], lastEnd)
			lastEnd = byteRange.End()

		case line[0] != '#':
			res.Items++
			if seq > v.LastSeq {
				if discSeq == -1 {
					discSeq = previousDiscSeq()
				}
				if err := appendSegment(v, reg, line, seq, duration, byteRange, discSeq, key); err != nil {
					slog.Warn("skipping segment", "variant", v.Name, "sequence", seq, "error", err)
				} else {
					res.Added++
				}
			}
			seq++
			duration = 0
			byteRange = nil
		}
	})

	if !windowSeen {
		v.WindowStart = 0
	}
	if res.Items == 0 || v.Len() == 0 {
		return res, fmt.Errorf("%s: %w", v.URL, ErrEmpty)
	}
	return res, nil
}

func appendSegment(v *variant.Variant, reg *segment.Registry, uri string, seq int,
	duration time.Duration, br *segment.ByteRange, discSeq int, key keyState) error {
	u, err := resolveURL(v.URL, uri)
	if err != nil {
		return fmt.Errorf("failed to resolve segment URL: %w", err)
	}

	seg := segment.New(seq, u, duration)
	seg.Range = br
	seg.Crypto = key.crypto
	seg.KeyURL = key.url
	if key.explicitIV {
		seg.IV = key.iv
	} else {
		seg.IV = segment.IVForSequence(seq)
	}
	seg.Discontinuity = reg.Get(discSeq)

	if v.TargetDuration == 0 {
		v.TargetDuration = duration
	}
	if err := v.Append(seg); err != nil {
		return err
	}
	v.DiscontinuitySeq = discSeq
	return nil
}

// parseKey reads an #EXT-X-KEY. An unresolvable URI is dropped, which
// leaves the segments it covers without a usable key.
func parseKey(attrs Attributes, baseURL string) keyState {
	var k keyState
	for _, a := range attrs {
		switch a.Key {
		case "METHOD":
			if a.Value == methodAES128 {
				k.crypto = segment.CryptoAES128
			}
		case "URI":
			u, err := resolveURL(baseURL, a.Value)
			if err != nil {
				slog.Warn("ignoring key URI", "uri", a.Value, "error", err)
				continue
			}
			k.url = u
		case "IV":
			if iv, ok := parseIV(a.Value); ok {
				k.iv = iv
				k.explicitIV = true
			}
		}
	}
	return k
}

// parseIV decodes a 0x-prefixed hex IV, right-aligned into 16 bytes.
func parseIV(s string) ([16]byte, bool) {
	var iv [16]byte
	if len(s) < 3 || (s[:2] != "0x" && s[:2] != "0X") {
		return iv, false
	}
	h := s[2:]
	if len(h)%2 == 1 {
		h = "0" + h
	}
	b, err := hex.DecodeString(h)
	if err != nil || len(b) > 16 {
		return iv, false
	}
	copy(iv[16-len(b):], b)
	return iv, true
}

// parseByteRange parses "n[@o]". Without an offset the range starts where
// the previous one ended.
func parseByteRange(s string, lastEnd int64) *segment.ByteRange {
	size, off, hasOff := strings.Cut(strings.TrimSpace(s), "@")
	br := &segment.ByteRange{Offset: lastEnd}
	br.Size, _ = strconv.ParseInt(size, 10, 64)
	if hasOff {
		br.Offset, _ = strconv.ParseInt(off, 10, 64)
	}
	return br
}

// parseDuration parses a decimal number of seconds.
func parseDuration(s string) time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
