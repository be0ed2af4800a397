package demux

import (
	"bytes"
	"encoding/binary"
)

// id3TimestampOwner names the PRIV frame Apple packagers use to carry the
// 90 kHz timestamp of the first audio frame in un-muxed audio segments.
const id3TimestampOwner = "com.apple.streaming.transportStreamTimestamp"

const (
	id3HeaderSize = 10
	// maxRawProbe bounds how far the probe buffer may grow while waiting
	// for the end of an ID3 tag.
	maxRawProbe = 1 << 20
)

// rawProbe is the result of probing an un-muxed audio segment.
type rawProbe struct {
	skip int   // bytes before the first audio frame
	ts   int64 // timestamp hint from the ID3 tag, or noTS
}

// probeRaw inspects the start of an un-muxed audio segment: an optional
// ID3v2 tag followed by an ADTS frame. more is set when buf does not hold
// enough bytes to decide yet. The timestamp search is a byte search for the
// PRIV owner inside the tag, not a full ID3 frame parse.
func probeRaw(buf []byte, eof bool) (p rawProbe, more, ok bool) {
	p.ts = noTS
	need := func(n int) bool {
		return len(buf) < n && !eof && len(buf) < maxRawProbe
	}

	if len(buf) >= 3 && string(buf[:3]) == "ID3" {
		if len(buf) < id3HeaderSize {
			return p, need(id3HeaderSize), false
		}
		size, valid := syncsafe(buf[6:10])
		if !valid {
			return p, false, false
		}
		end := id3HeaderSize + size
		if buf[5]&0x10 != 0 {
			end += id3HeaderSize // footer
		}
		if len(buf) < end+2 {
			return p, need(end + 2), false
		}

		tag := buf[id3HeaderSize:end]
		if i := bytes.Index(tag, []byte(id3TimestampOwner)); i >= 0 {
			at := i + len(id3TimestampOwner)
			if at < len(tag) && tag[at] == 0 {
				at++
			}
			if at+8 <= len(tag) {
				p.ts = int64(binary.BigEndian.Uint64(tag[at:at+8]) & 0x1FFFFFFFF)
			}
		}
		p.skip = end
	}

	if len(buf) < p.skip+2 {
		return p, need(p.skip + 2), false
	}
	if buf[p.skip] != 0xFF || buf[p.skip+1]&0xF6 != 0xF0 {
		return p, false, false
	}
	return p, false, true
}

// syncsafe decodes a 28-bit ID3 syncsafe integer.
func syncsafe(b []byte) (int, bool) {
	n := 0
	for _, c := range b {
		if c&0x80 != 0 {
			return 0, false
		}
		n = n<<7 | int(c)
	}
	return n, true
}
