package demux

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/ac3"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg1audio"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/agleyzer/hlsplay/internal/media"
)

// frame is one access unit cut out of an elementary stream. Timestamps are
// in 90 kHz ticks, noTS when unknown.
type frame struct {
	data     []byte
	pts      int64
	dts      int64
	duration int64
	keyframe bool
}

// frameParser cuts the payload of PES packets into access units.
type frameParser interface {
	parse(data []byte, pts, dts int64) []frame
	reset()
}

// h264Parser treats every PES as the start of an access unit and splits
// further units on access unit delimiters.
type h264Parser struct{}

func (h264Parser) parse(data []byte, pts, dts int64) []frame {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil
	}

	var frames []frame
	var cur [][]byte
	emit := func() {
		if len(cur) == 0 {
			return
		}
		buf, err := h264.AnnexB(cur).Marshal()
		if err == nil {
			frames = append(frames, frame{
				data:     buf,
				pts:      pts,
				dts:      dts,
				keyframe: h264.IsRandomAccess(cur),
			})
		}
		// only the first unit of a PES carries its timestamps
		pts, dts = noTS, noTS
		cur = nil
	}

	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeAccessUnitDelimiter {
			emit()
			continue
		}
		cur = append(cur, nalu)
	}
	emit()
	return frames
}

func (h264Parser) reset() {}

// audioFormat describes how to recognize and size frames of one audio codec.
type audioFormat struct {
	codec     string
	minHeader int
	// header returns the frame size in bytes, samples per frame and sample
	// rate for a frame starting at b[0].
	header func(b []byte) (size, samples, rate int, ok bool)
}

// audioScanner frames a byte stream of self-synchronizing audio frames.
// Bytes of an incomplete frame are kept for the next PES. Frames after the
// first in a PES get timestamps extrapolated from the frame duration.
type audioScanner struct {
	format *audioFormat
	rem    []byte
	next   int64
}

func newAudioScanner(f *audioFormat) *audioScanner {
	return &audioScanner{format: f, next: noTS}
}

func (a *audioScanner) parse(data []byte, pts, dts int64) []frame {
	start := len(a.rem)
	buf := append(a.rem, data...)
	ts := pts
	if ts == noTS {
		ts = dts
	}

	var frames []frame
	off := 0
	for off+a.format.minHeader <= len(buf) {
		size, samples, rate, ok := a.format.header(buf[off:])
		if !ok {
			off++
			continue
		}
		if off+size > len(buf) {
			break
		}

		t := a.next
		if off >= start && ts != noTS {
			t, ts = ts, noTS
		}
		dur := int64(samples) * media.ClockRate / int64(rate)
		frames = append(frames, frame{
			data:     buf[off : off+size],
			pts:      t,
			dts:      t,
			duration: dur,
			keyframe: true,
		})
		if t != noTS {
			a.next = t + dur
		}
		off += size
	}

	a.rem = append([]byte(nil), buf[off:]...)
	return frames
}

func (a *audioScanner) reset() {
	a.rem = nil
	a.next = noTS
}

var (
	formatADTS = &audioFormat{codec: "aac", minHeader: 7, header: adtsHeader}
	formatAC3  = &audioFormat{codec: "ac3", minHeader: 5, header: ac3Header}
	formatMPA  = &audioFormat{codec: "mp3", minHeader: 5, header: mpaHeader}
)

// adtsHeader reads the frame length from the fixed header and leaves the
// rest of the validation to the ADTS decoder, which needs the whole frame.
// A frame that is not complete yet reports only its size.
func adtsHeader(b []byte) (size, samples, rate int, ok bool) {
	if b[0] != 0xFF || b[1]&0xF6 != 0xF0 {
		return
	}
	size = int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5])>>5
	if size <= 7 {
		return 0, 0, 0, false
	}
	if len(b) < size {
		return size, 0, 0, true
	}

	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(b[:size]); err != nil || len(pkts) != 1 {
		return 0, 0, 0, false
	}
	return size, mpeg4audio.SamplesPerAccessUnit, pkts[0].SampleRate, true
}

func ac3Header(b []byte) (size, samples, rate int, ok bool) {
	var si ac3.SyncInfo
	if err := si.Unmarshal(b); err != nil {
		return
	}
	return si.FrameSize(), ac3.SamplesPerFrame, si.SampleRate(), true
}

// mpaHeader sizes MPEG-1 and MPEG-2 audio frames of layers II and III.
func mpaHeader(b []byte) (size, samples, rate int, ok bool) {
	var h mpeg1audio.FrameHeader
	if err := h.Unmarshal(b); err != nil {
		return
	}

	// FrameLen assumes 1152 samples, MPEG-2 layer III frames carry 576
	samples = h.SampleCount()
	size = samples / 8 * h.Bitrate / h.SampleRate
	if h.Padding {
		size++
	}
	return size, samples, h.SampleRate, size > 4
}
