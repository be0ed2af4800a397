package demux

import "errors"

const (
	packetSize = 188
	syncByte   = 0x47

	pidPAT  = 0x0000
	pidNull = 0x1FFF
)

var (
	errLostSync      = errors.New("lost sync")
	errBadAdaptation = errors.New("adaptation field overruns packet")
)

// tsHeader holds the transport packet header fields the demuxer needs.
type tsHeader struct {
	pid            uint16
	pusi           bool
	cc             uint8
	hasPayload     bool
	transportError bool
	discontinuity  bool
	randomAccess   bool
}

// parsePacket splits one 188-byte packet into its header and payload. The
// payload aliases buf.
func parsePacket(buf []byte) (tsHeader, []byte, error) {
	var h tsHeader
	if len(buf) < packetSize || buf[0] != syncByte {
		return h, nil, errLostSync
	}

	h.transportError = buf[1]&0x80 != 0
	h.pusi = buf[1]&0x40 != 0
	h.pid = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.hasPayload = buf[3]&0x10 != 0
	h.cc = buf[3] & 0x0F

	offset := 4
	if buf[3]&0x20 != 0 {
		afLen := int(buf[4])
		if afLen > 0 {
			h.discontinuity = buf[5]&0x80 != 0
			h.randomAccess = buf[5]&0x40 != 0
		}
		offset = 5 + afLen
		if offset > packetSize {
			return h, nil, errBadAdaptation
		}
	}

	if !h.hasPayload || offset >= packetSize {
		return h, nil, nil
	}
	return h, buf[offset:packetSize], nil
}

// findSync returns the offset of the first position in buf where three
// consecutive packets start with the sync byte, or -1. At EOF a shorter
// tail of aligned packets is accepted as long as it holds at least one.
func findSync(buf []byte, eof bool) int {
	for i := 0; i < len(buf); i++ {
		if buf[i] != syncByte {
			continue
		}
		if i+2*packetSize < len(buf) &&
			buf[i+packetSize] == syncByte && buf[i+2*packetSize] == syncByte {
			return i
		}
		if eof && alignedTail(buf[i:]) {
			return i
		}
	}
	return -1
}

func alignedTail(buf []byte) bool {
	if len(buf) < packetSize {
		return false
	}
	for off := 0; off+packetSize <= len(buf); off += packetSize {
		if buf[off] != syncByte {
			return false
		}
	}
	return true
}
