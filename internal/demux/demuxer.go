// Package demux turns HLS segment bytes into elementary stream packets. It
// reads MPEG transport streams and, for audio renditions, un-muxed ADTS
// segments prefixed with an ID3 timestamp tag.
package demux

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agleyzer/hlsplay/internal/media"
)

// Variant-level errors. They disqualify the variant for the session.
var (
	ErrProbe        = errors.New("unable to determine segment format")
	ErrNoVideo      = errors.New("no video stream in primary variant")
	ErrUnknownAudio = errors.New("unknown audio segment format")
)

// ProbeSize is the number of bytes collected before the segment format is
// decided.
const ProbeSize = 2048

// Track describes an audio elementary stream found by the demuxer.
type Track struct {
	PID      uint16
	Program  int
	Language string
	Codec    string
	// Raw is set for un-muxed audio segments
	Raw bool
}

// TrackFunc registers an audio track and returns the stream index its
// packets are tagged with.
type TrackFunc func(t Track) int

// Config configures a Demuxer.
type Config struct {
	// Primary demuxers read the main variant. Only non-primary demuxers
	// fall back to un-muxed audio when no transport stream is found.
	Primary bool

	// RequireVideo fails the variant with ErrNoVideo when its program
	// carries no H.264 stream.
	RequireVideo bool

	// Track assigns audio stream indices. When nil, indices are handed out
	// in discovery order.
	Track TrackFunc

	Logger *slog.Logger
}

// mode is the demuxer state for the current segment: modeUnset while
// probing, then *modeTS or *modeRaw.
type mode interface{ isMode() }

type modeUnset struct{}

// modeTS carries a partial packet between writes.
type modeTS struct {
	spill []byte
	lost  int
}

type modeRaw struct {
	stream *stream
}

func (modeUnset) isMode() {}
func (*modeTS) isMode()   {}
func (*modeRaw) isMode()  {}

// stream is the reassembly state of one elementary stream.
type stream struct {
	pid         uint16
	typ         media.Type
	codec       string
	index       int
	parser      frameParser
	synthesized bool

	buf     []byte
	started bool
	cc      int
}

// Demuxer splits segments of one variant into packets. Elementary stream
// state lives as long as the Demuxer; the container format is probed again
// at every segment. A Demuxer is not safe for concurrent use.
type Demuxer struct {
	cfg    Config
	logger *slog.Logger

	mode  mode
	probe []byte
	seq   int

	pat       table
	pmts      map[uint16]*table
	streams   map[uint16]*stream
	ignored   map[uint16]bool
	video     *stream
	raw       *stream
	tracks    []Track
	nextIndex int

	out []*media.Packet
}

// New creates a demuxer.
func New(cfg Config) *Demuxer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Demuxer{
		cfg:    cfg,
		logger: cfg.Logger,
		mode:   modeUnset{},
	}
	d.resetStreams()
	return d
}

func (d *Demuxer) resetStreams() {
	d.pat.reset()
	d.pmts = make(map[uint16]*table)
	d.streams = make(map[uint16]*stream)
	d.ignored = make(map[uint16]bool)
	d.video = nil
}

// BeginSegment starts a new segment with media sequence seq.
func (d *Demuxer) BeginSegment(seq int) {
	d.mode = modeUnset{}
	d.probe = d.probe[:0]
	d.seq = seq
	for _, s := range d.streams {
		s.cc = -1
	}
}

// Write feeds segment bytes. Packets become available through Next.
func (d *Demuxer) Write(p []byte) (int, error) {
	switch m := d.mode.(type) {
	case modeUnset:
		d.probe = append(d.probe, p...)
		if len(d.probe) < ProbeSize {
			return len(p), nil
		}
		return len(p), d.detect(false)
	case *modeTS:
		return len(p), d.feedTS(m, p)
	case *modeRaw:
		d.feedRaw(m, p)
	}
	return len(p), nil
}

// EndSegment completes the current segment: a short segment is probed with
// what was read and partial PES packets are parsed.
func (d *Demuxer) EndSegment() error {
	if _, ok := d.mode.(modeUnset); ok {
		if err := d.detect(true); err != nil {
			return err
		}
	}

	switch m := d.mode.(type) {
	case modeUnset:
		return fmt.Errorf("%w: incomplete ID3 tag", ErrUnknownAudio)
	case *modeTS:
		m.spill = nil
		d.flushPES()
		if d.cfg.RequireVideo && d.video == nil {
			return ErrNoVideo
		}
	case *modeRaw:
		// the next segment starts with its own tag
		m.stream.parser.(*audioScanner).rem = nil
	}
	return nil
}

// Next returns the next demuxed packet, or nil.
func (d *Demuxer) Next() *media.Packet {
	if len(d.out) == 0 {
		return nil
	}
	p := d.out[0]
	d.out[0] = nil
	d.out = d.out[1:]
	return p
}

// Pending returns the number of packets waiting in Next.
func (d *Demuxer) Pending() int { return len(d.out) }

// Drain completes every elementary stream at a discontinuity and forgets
// the program tables. Packets already demuxed stay available.
func (d *Demuxer) Drain() {
	d.flushPES()
	for _, s := range d.streams {
		s.parser.reset()
	}
	d.resetStreams()
}

// Flush drops pending packets and partial data, as after a seek.
func (d *Demuxer) Flush() {
	for _, s := range d.streams {
		s.buf = s.buf[:0]
		s.started = false
		s.parser.reset()
	}
	if d.raw != nil {
		d.raw.parser.reset()
	}
	d.out = nil
	d.mode = modeUnset{}
	d.probe = d.probe[:0]
}

// Tracks returns the audio tracks registered so far.
func (d *Demuxer) Tracks() []Track { return d.tracks }

// HasVideo reports whether a video stream has been found.
func (d *Demuxer) HasVideo() bool { return d.video != nil }

// Mode names the container format of the current segment.
func (d *Demuxer) Mode() string {
	switch d.mode.(type) {
	case *modeTS:
		return "ts"
	case *modeRaw:
		return "raw"
	}
	return "unset"
}

func (d *Demuxer) detect(eof bool) error {
	if len(d.probe) == 0 {
		return fmt.Errorf("%w: empty segment", ErrProbe)
	}

	if i := findSync(d.probe, eof); i >= 0 {
		if i > 0 {
			d.logger.Debug("skipping bytes before first sync", "segment", d.seq, "bytes", i)
		}
		m := &modeTS{}
		d.mode = m
		err := d.feedTS(m, d.probe[i:])
		d.probe = d.probe[:0]
		return err
	}

	if d.cfg.Primary {
		return fmt.Errorf("%w: no transport stream sync in %d bytes", ErrProbe, len(d.probe))
	}

	p, more, ok := probeRaw(d.probe, eof)
	if more {
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: no ADTS frame in %d bytes", ErrUnknownAudio, len(d.probe))
	}

	s := d.rawStream()
	sc := s.parser.(*audioScanner)
	switch {
	case p.ts != noTS:
		sc.next = p.ts
	case sc.next == noTS:
		sc.next = 0
	}
	d.logger.Debug("un-muxed audio segment",
		"segment", d.seq,
		"id3_bytes", p.skip,
		"timestamp", media.FormatTimestamp(media.FromClock(sc.next)),
	)

	m := &modeRaw{stream: s}
	d.mode = m
	d.feedRaw(m, d.probe[p.skip:])
	d.probe = d.probe[:0]
	return nil
}

func (d *Demuxer) rawStream() *stream {
	if d.raw == nil {
		t := Track{Codec: formatADTS.codec, Raw: true}
		d.raw = &stream{
			typ:         media.TypeAudio,
			codec:       t.Codec,
			index:       d.registerTrack(t),
			parser:      newAudioScanner(formatADTS),
			synthesized: true,
			cc:          -1,
		}
	}
	return d.raw
}

func (d *Demuxer) registerTrack(t Track) int {
	d.tracks = append(d.tracks, t)
	if d.cfg.Track != nil {
		return d.cfg.Track(t)
	}
	i := d.nextIndex
	d.nextIndex++
	return i
}

func (d *Demuxer) feedRaw(m *modeRaw, p []byte) {
	for _, f := range m.stream.parser.parse(p, noTS, noTS) {
		d.emit(m.stream, f)
	}
}

func (d *Demuxer) feedTS(m *modeTS, p []byte) error {
	buf := append(m.spill, p...)
	off := 0
	for off+packetSize <= len(buf) {
		if buf[off] != syncByte {
			m.lost++
			off++
			continue
		}
		if m.lost > 0 {
			d.logger.Debug("resynchronized", "segment", d.seq, "skipped", m.lost)
			m.lost = 0
		}
		if err := d.handlePacket(buf[off : off+packetSize]); err != nil {
			return err
		}
		off += packetSize
	}
	m.spill = append(m.spill[:0], buf[off:]...)
	return nil
}

func (d *Demuxer) handlePacket(pkt []byte) error {
	h, payload, err := parsePacket(pkt)
	if err != nil {
		d.logger.Debug("bad packet", "segment", d.seq, "error", err)
		return nil
	}
	if h.transportError || h.pid == pidNull || payload == nil {
		return nil
	}

	if h.pid == pidPAT {
		if section := d.pat.feed(h.pusi, payload); section != nil {
			d.handlePAT(section)
		}
		return nil
	}
	if t := d.pmts[h.pid]; t != nil {
		if section := t.feed(h.pusi, payload); section != nil {
			return d.handlePMT(section)
		}
		return nil
	}
	if s := d.streams[h.pid]; s != nil {
		d.feedPES(s, h, payload)
	}
	return nil
}

func (d *Demuxer) handlePAT(section []byte) {
	pids, err := parsePAT(section)
	if err != nil {
		d.logger.Debug("dropping PAT", "segment", d.seq, "error", err)
		return
	}
	for _, pid := range pids {
		if d.pmts[pid] == nil {
			d.pmts[pid] = &table{}
		}
	}
}

func (d *Demuxer) handlePMT(section []byte) error {
	program, entries, err := parsePMT(section)
	if err != nil {
		d.logger.Debug("dropping PMT", "segment", d.seq, "error", err)
		return nil
	}

	for _, e := range entries {
		if d.streams[e.pid] != nil || d.ignored[e.pid] {
			continue
		}
		s := &stream{pid: e.pid, cc: -1, typ: media.TypeAudio}
		switch e.streamType {
		case streamTypeH264:
			if d.video != nil {
				d.ignored[e.pid] = true
				continue
			}
			s.typ, s.codec, s.parser = media.TypeVideo, "h264", h264Parser{}
			d.video = s
		case streamTypeAAC:
			s.codec, s.parser = formatADTS.codec, newAudioScanner(formatADTS)
		case streamTypeAC3:
			s.codec, s.parser = formatAC3.codec, newAudioScanner(formatAC3)
		case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
			s.codec, s.parser = formatMPA.codec, newAudioScanner(formatMPA)
		case streamTypeMetadata:
			d.ignored[e.pid] = true
			continue
		default:
			d.logger.Info("ignoring unsupported stream",
				"pid", e.pid,
				"stream_type", fmt.Sprintf("0x%02x", e.streamType),
			)
			d.ignored[e.pid] = true
			continue
		}

		if s.typ == media.TypeAudio {
			s.index = d.registerTrack(Track{
				PID:      e.pid,
				Program:  program,
				Language: e.language,
				Codec:    s.codec,
			})
		}
		d.streams[e.pid] = s
		d.logger.Debug("elementary stream",
			"pid", e.pid,
			"type", s.typ,
			"codec", s.codec,
			"language", e.language,
		)
	}

	if d.cfg.RequireVideo && d.video == nil {
		return ErrNoVideo
	}
	return nil
}

func (d *Demuxer) feedPES(s *stream, h tsHeader, payload []byte) {
	if s.cc >= 0 && !h.discontinuity {
		expected := (s.cc + 1) & 0x0F
		switch int(h.cc) {
		case expected:
		case s.cc:
			return // duplicate
		default:
			if s.started {
				d.logger.Debug("continuity error, dropping PES",
					"pid", s.pid,
					"expected", expected,
					"got", h.cc,
				)
			}
			s.buf = s.buf[:0]
			s.started = false
		}
	}
	s.cc = int(h.cc)

	if h.pusi {
		if s.started {
			d.parsePES(s)
		}
		s.buf = append(s.buf[:0], payload...)
		s.started = true
	} else if s.started {
		s.buf = append(s.buf, payload...)
	}

	// bounded PES can be parsed as soon as it is complete
	if s.started && len(s.buf) >= 6 {
		if n := int(s.buf[4])<<8 | int(s.buf[5]); n > 0 && len(s.buf) >= 6+n {
			d.parsePES(s)
		}
	}
}

func (d *Demuxer) flushPES() {
	for _, s := range d.streams {
		if s.started {
			d.parsePES(s)
		}
	}
}

func (d *Demuxer) parsePES(s *stream) {
	h, data, err := parsePES(s.buf)
	s.buf = s.buf[:0]
	s.started = false
	if err != nil {
		d.logger.Debug("dropping PES", "pid", s.pid, "error", err)
		return
	}
	for _, f := range s.parser.parse(data, h.pts, h.dts) {
		d.emit(s, f)
	}
}

func (d *Demuxer) emit(s *stream, f frame) {
	p := &media.Packet{
		Type:        s.typ,
		Data:        append([]byte(nil), f.data...),
		PTS:         clock(f.pts),
		DTS:         clock(f.dts),
		UserTime:    media.NoTimestamp,
		Duration:    media.FromClock(f.duration),
		Keyframe:    f.keyframe,
		Sequence:    d.seq,
		StreamIndex: s.index,
		Codec:       s.codec,
		Synthesized: s.synthesized,
	}
	d.out = append(d.out, p)
}

func clock(ts int64) time.Duration {
	if ts == noTS {
		return media.NoTimestamp
	}
	return media.FromClock(ts)
}
