package demux

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02

	descriptorLanguage = 0x0A
)

// Stream types found in HLS transport streams.
const (
	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypeAAC        = 0x0F
	streamTypeMetadata   = 0x15
	streamTypeH264       = 0x1B
	streamTypeAC3        = 0x81
)

var errBadCRC = errors.New("CRC mismatch")

// table reassembles one PSI section that may span several transport packets.
type table struct {
	buf     []byte
	started bool
}

// feed adds a packet payload and returns the section once its declared
// length has been collected.
func (t *table) feed(pusi bool, payload []byte) []byte {
	if pusi {
		if len(payload) < 1 {
			t.reset()
			return nil
		}
		start := 1 + int(payload[0])
		if start > len(payload) {
			t.reset()
			return nil
		}
		t.buf = append(t.buf[:0], payload[start:]...)
		t.started = true
	} else {
		if !t.started {
			return nil
		}
		t.buf = append(t.buf, payload...)
	}

	if len(t.buf) < 3 {
		return nil
	}
	if t.buf[0] == 0xFF {
		t.reset()
		return nil
	}
	n := 3 + (int(t.buf[1]&0x0F)<<8 | int(t.buf[2]))
	if len(t.buf) < n {
		return nil
	}

	section := t.buf[:n]
	t.buf = nil
	t.started = false
	return section
}

func (t *table) reset() {
	t.buf = t.buf[:0]
	t.started = false
}

// pmtStream is one elementary stream entry of a PMT.
type pmtStream struct {
	pid        uint16
	streamType uint8
	language   string
}

// parsePAT returns the PMT PIDs of a PAT section.
func parsePAT(section []byte) ([]uint16, error) {
	if len(section) < 12 || section[0] != tableIDPAT {
		return nil, fmt.Errorf("PAT: malformed section")
	}
	if crc32MPEG(section) != 0 {
		return nil, fmt.Errorf("PAT: %w", errBadCRC)
	}

	var pids []uint16
	for i := 8; i+4 <= len(section)-4; i += 4 {
		program := uint16(section[i])<<8 | uint16(section[i+1])
		if program == 0 {
			continue // network PID
		}
		pids = append(pids, uint16(section[i+2]&0x1F)<<8|uint16(section[i+3]))
	}
	return pids, nil
}

// parsePMT returns the program number and elementary streams of a PMT
// section.
func parsePMT(section []byte) (int, []pmtStream, error) {
	if len(section) < 16 || section[0] != tableIDPMT {
		return 0, nil, fmt.Errorf("PMT: malformed section")
	}
	if crc32MPEG(section) != 0 {
		return 0, nil, fmt.Errorf("PMT: %w", errBadCRC)
	}

	program := int(section[3])<<8 | int(section[4])
	infoLen := int(section[10]&0x0F)<<8 | int(section[11])
	end := len(section) - 4

	var streams []pmtStream
	for off := 12 + infoLen; off+5 <= end; {
		s := pmtStream{
			streamType: section[off],
			pid:        uint16(section[off+1]&0x1F)<<8 | uint16(section[off+2]),
		}
		esInfoLen := int(section[off+3]&0x0F)<<8 | int(section[off+4])
		off += 5
		if off+esInfoLen > end {
			return program, streams, fmt.Errorf("PMT: descriptor loop overruns section")
		}
		s.language = descriptorLanguageCode(section[off : off+esInfoLen])
		off += esInfoLen
		streams = append(streams, s)
	}
	return program, streams, nil
}

// descriptorLanguageCode extracts the ISO 639 code from a descriptor loop.
func descriptorLanguageCode(b []byte) string {
	for len(b) >= 2 {
		tag, n := b[0], int(b[1])
		if 2+n > len(b) {
			break
		}
		if tag == descriptorLanguage && n >= 3 {
			return string(b[2:5])
		}
		b = b[2+n:]
	}
	return ""
}

var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// crc32MPEG computes the MPEG-2 CRC. Over a section including its CRC field
// the result is zero.
func crc32MPEG(b []byte) uint32 {
	c := uint32(0xFFFFFFFF)
	for _, v := range b {
		c = c<<8 ^ crcTable[byte(c>>24)^v]
	}
	return c
}
