package demux

import (
	"errors"
	"fmt"
)

// noTS marks an absent 90 kHz timestamp.
const noTS = -1

// maxPTSDelay is the largest PTS-DTS distance accepted, in 90 kHz ticks.
const maxPTSDelay = 2 * 90000

var errBadTimestamp = errors.New("timestamp marker bits not set")

type pesHeader struct {
	streamID byte
	length   int // PES_packet_length, 0 when unbounded
	pts      int64
	dts      int64
}

// hasOptionalHeader reports whether the stream ID carries the optional PES
// header.
func hasOptionalHeader(id byte) bool {
	switch id {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// parsePES parses a reassembled PES packet and returns its header and the
// elementary stream bytes.
func parsePES(buf []byte) (pesHeader, []byte, error) {
	h := pesHeader{pts: noTS, dts: noTS}
	if len(buf) < 6 {
		return h, nil, fmt.Errorf("PES too short (%d bytes)", len(buf))
	}
	if buf[0] != 0 || buf[1] != 0 || buf[2] != 1 {
		return h, nil, errors.New("invalid PES start code")
	}
	h.streamID = buf[3]
	h.length = int(buf[4])<<8 | int(buf[5])

	end := len(buf)
	if h.length > 0 && 6+h.length < end {
		end = 6 + h.length
	}

	if !hasOptionalHeader(h.streamID) {
		return h, buf[6:end], nil
	}
	if end < 9 {
		return h, nil, errors.New("PES optional header too short")
	}

	flags := buf[7] >> 6
	start := 9 + int(buf[8])
	if start > end {
		return h, nil, errors.New("PES header overruns packet")
	}

	var err error
	switch flags {
	case 2:
		if start < 14 {
			return h, nil, errors.New("PES header too short for PTS")
		}
		if h.pts, err = parseTimestamp(buf[9:14]); err != nil {
			return h, nil, err
		}
		h.dts = h.pts
	case 3:
		if start < 19 {
			return h, nil, errors.New("PES header too short for PTS/DTS")
		}
		if h.pts, err = parseTimestamp(buf[9:14]); err != nil {
			return h, nil, err
		}
		if h.dts, err = parseTimestamp(buf[14:19]); err != nil {
			return h, nil, err
		}
		if h.pts-h.dts > maxPTSDelay {
			h.pts = noTS
		}
	}

	return h, buf[start:end], nil
}

// parseTimestamp decodes a 33-bit PTS or DTS from its 5-byte encoding.
func parseTimestamp(b []byte) (int64, error) {
	if b[0]&0x01 == 0 || b[2]&0x01 == 0 || b[4]&0x01 == 0 {
		return noTS, errBadTimestamp
	}
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1), nil
}
