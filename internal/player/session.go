// Package player runs an HLS playback session: it discovers the variants
// of a master playlist, reads segments of the selected variant and of an
// optional audio rendition, and feeds the demuxed packets to a pipeline.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/hlsplay/internal/abr"
	"github.com/agleyzer/hlsplay/internal/fetch"
	"github.com/agleyzer/hlsplay/internal/parser"
	"github.com/agleyzer/hlsplay/internal/pipeline"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/source"
	"github.com/agleyzer/hlsplay/internal/variant"
)

// ErrNotPlaylist is returned by Open when the URL does not serve an M3U
// playlist.
var ErrNotPlaylist = errors.New("not an HLS playlist")

// Reason tells why Run returned.
type Reason int

const (
	ReasonEOF Reason = iota
	ReasonExit
	ReasonSkipForward
	ReasonSkipBackward
)

func (r Reason) String() string {
	switch r {
	case ReasonEOF:
		return "eof"
	case ReasonExit:
		return "exit"
	case ReasonSkipForward:
		return "skip-forward"
	case ReasonSkipBackward:
		return "skip-backward"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Result is the outcome of a session.
type Result struct {
	Reason Reason
}

// Stats is a snapshot of a running session.
type Stats struct {
	SessionID string

	Variant   string
	Bandwidth int
	Audio     string

	Estimate      int64
	ThroughputP50 int64
	ThroughputP90 int64

	Buffered time.Duration
	Blocked  int64

	// Corrupt holds the corruption counter of every variant by name.
	Corrupt map[string]int

	Pipeline pipeline.Stats
}

// Session plays one HLS URL.
type Session struct {
	id     string
	cfg    Config
	logger *slog.Logger

	opener   source.Opener
	fetcher  *fetch.Fetcher
	pipe     *pipeline.Pipe
	registry *segment.Registry
	master   *parser.Master

	primary *reader
	audio   *reader

	// ctlMu guards what control calls and Stats share with the reader.
	ctlMu    sync.Mutex
	tracks   []AudioTrack
	current  string
	curBW    int
	curAudio string
	corrupt  map[string]int

	audioTrack   int
	videoEnabled bool
	lastErr      error

	// held is a control event picked up by a reader while it waited.
	held *pipeline.Event
}

// Open loads the playlist at url and prepares a session. A failure to load
// or parse the playlist is fatal.
func Open(ctx context.Context, cfg Config, opener source.Opener, url string) (*Session, error) {
	cfg.setDefaults()
	id := uuid.New().String()
	logger := cfg.Logger.With("session", id)

	text, err := parser.Load(ctx, opener, url)
	if err != nil {
		return nil, err
	}
	if !parser.IsPlaylist(text) {
		return nil, fmt.Errorf("%w: %s", ErrNotPlaylist, url)
	}
	m, err := parser.ParseMaster(text, url)
	if err != nil {
		return nil, err
	}
	if len(m.Variants) == 0 {
		return nil, fmt.Errorf("%w: no variants in %s", parser.ErrEmpty, url)
	}

	s := &Session{
		id:         id,
		cfg:        cfg,
		logger:     logger,
		opener:     opener,
		registry:   segment.NewRegistry(),
		master:     m,
		audioTrack: -1,
	}

	if !parser.IsMaster(text) {
		v := m.Variants[0]
		v.Loaded = time.Now()
		if _, err := parser.ApplyMedia(v, text, s.registry); err != nil {
			return nil, err
		}
	}

	pcfg := cfg.Pipeline
	pcfg.Logger = logger
	s.pipe = pipeline.New(pcfg)

	fcfg := cfg.Fetch
	fcfg.Logger = logger
	if s.fetcher, err = fetch.New(fcfg, opener, s.pipe); err != nil {
		return nil, err
	}

	acfg := cfg.ABR
	acfg.Logger = logger
	s.primary = newReader(s, "primary", true, abr.NewSelector(acfg, m.Variants))

	acfg.AllowAudioOnly = true
	s.audio = newReader(s, "audio", false, abr.NewSelector(acfg, m.Audio))

	for _, v := range m.Audio {
		s.tracks = append(s.tracks, AudioTrack{
			ID:        len(s.tracks) + 1,
			Name:      v.Name,
			Language:  v.Language,
			Group:     v.AudioGroup,
			Default:   v.Default,
			Rendition: v,
		})
	}

	logger.Info("opened playlist",
		"url", url,
		"variants", len(m.Variants),
		"audio_renditions", len(m.Audio),
		"skipped_duplicates", m.Skipped,
	)
	for _, v := range m.Variants {
		logger.Debug("variant",
			"name", v.Name,
			"bandwidth", v.Bandwidth,
			"resolution", v.Resolution(),
			"codecs", v.Codecs,
			"audio_only", v.AudioOnly,
		)
	}
	return s, nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Pipe returns the pipeline the session feeds. The consumer dequeues from
// it concurrently with Run.
func (s *Session) Pipe() *pipeline.Pipe { return s.pipe }

// Master returns the parsed master playlist.
func (s *Session) Master() *parser.Master { return s.master }

// Run plays until end of stream, an exit or skip request, or a fatal
// error. The pipe is closed when Run returns; on end of stream an EOS
// marker is queued first.
func (s *Session) Run(ctx context.Context) (Result, error) {
	defer s.shutdown()

	s.primary.resetIO(ctx)
	s.audio.resetIO(ctx)

	v, err := s.primary.selector.Default()
	if err != nil {
		return Result{}, err
	}
	s.primary.current = v

	if t := s.defaultAudioTrack(); t != nil {
		s.audio.current = t.Rendition
		s.setAudioTrack(t.ID)
	}
	s.publish()

	var ev *pipeline.Event
	for {
		if s.primary.noFunctional || s.audio.noFunctional {
			s.ctlMu.Lock()
			last := s.lastErr
			s.ctlMu.Unlock()
			if last != nil {
				return Result{}, fmt.Errorf("no playable streams: %w: %w", abr.ErrNoFunctionalStreams, last)
			}
			return Result{}, abr.ErrNoFunctionalStreams
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		if ev == nil && s.held != nil {
			ev, s.held = s.held, nil
		}
		if ev == nil {
			if e, ok := s.pipe.NextEvent(); ok {
				ev = &e
			}
		}
		if ev != nil {
			switch ev.Kind {
			case pipeline.EventExit:
				return Result{Reason: ReasonExit}, nil
			case pipeline.EventSkipForward:
				return Result{Reason: ReasonSkipForward}, nil
			case pipeline.EventSkipBackward:
				return Result{Reason: ReasonSkipBackward}, nil
			case pipeline.EventSeek:
				s.seek(ctx, ev.Pos)
			case pipeline.EventSelectAudio:
				s.switchAudio(ev.Index)
			case pipeline.EventSelectVariant:
				s.requestVariant(ev.Index)
			}
			ev = nil
		}

		r, eof, err := s.pick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			continue
		}
		if r == nil && !eof {
			continue
		}

		if eof {
			if !s.pipe.Empty() {
				if ev, err = s.pipe.WaitIdle(ctx, 100*time.Millisecond); err != nil {
					return Result{}, err
				}
				continue
			}
			s.pipe.PushEOS()
			s.logger.Info("end of stream")
			return Result{Reason: ReasonEOF}, nil
		}

		if ev, err = s.pipe.Enqueue(ctx, r.pkt); err != nil {
			return Result{}, err
		}
		if ev == nil {
			r.pkt = nil
		}
	}
}

// pick returns the reader whose held packet goes next, the lowest DTS
// first. eof is set when both readers are at the end of their variants.
func (s *Session) pick(ctx context.Context) (r *reader, eof bool, err error) {
	a, aEOF, err := s.audio.peek(ctx)
	if err != nil || (a == nil && !aEOF) {
		return nil, false, err
	}
	p, pEOF, err := s.primary.peek(ctx)
	if err != nil || (p == nil && !pEOF) {
		return nil, false, err
	}

	switch {
	case pEOF && aEOF:
		return nil, true, nil
	case aEOF:
		return s.primary, false, nil
	case pEOF:
		return s.audio, false, nil
	case !p.HasDTS():
		return s.primary, false, nil
	case !a.HasDTS():
		return s.audio, false, nil
	case p.DTS < a.DTS:
		return s.primary, false, nil
	}
	return s.audio, false, nil
}

// seek restarts both readers at pos.
func (s *Session) seek(ctx context.Context, pos time.Duration) {
	s.logger.Info("seeking", "position", pos)

	for _, r := range []*reader{s.primary, s.audio} {
		r.seekTo = pos
		r.pkt = nil
		r.closeSegment()
		r.seg = nil
		r.discSeq = -1
		if r.demux != nil {
			r.demux.Flush()
		}
		r.timeline.Reset(r.selector.Variants()...)
		r.resetIO(ctx)
	}
	s.registry.Reset()
	s.pipe.Seek(pos)
}

// requestVariant stages a switch of the primary reader to the variant at
// index in descending bandwidth order.
func (s *Session) requestVariant(index int) {
	variants := s.primary.selector.Variants()
	if index < 0 || index >= len(variants) {
		s.logger.Warn("no such variant", "index", index)
		return
	}
	v := variants[index]
	if !v.Usable(s.primary.selector.CorruptLimit()) {
		s.logger.Warn("variant is disqualified", "variant", v.Name)
		return
	}
	s.primary.requested = v
	s.primary.selector.Switched(time.Now())
}

// shutdown releases open segments and closes the pipe.
func (s *Session) shutdown() {
	for _, r := range []*reader{s.primary, s.audio} {
		if r == nil {
			continue
		}
		r.closeSegment()
		if r.ioCancel != nil {
			r.ioCancel()
		}
	}
	s.pipe.Close()
}

func (s *Session) setError(err error) {
	s.ctlMu.Lock()
	s.lastErr = err
	s.ctlMu.Unlock()
}

// publish refreshes what Stats reports about the readers.
func (s *Session) publish() {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	s.current, s.curBW, s.curAudio = "", 0, ""
	if v := s.primary.current; v != nil {
		s.current, s.curBW = v.Name, v.Bandwidth
	}
	if v := s.audio.current; v != nil {
		s.curAudio = v.Name
	}
	s.corrupt = make(map[string]int)
	for _, r := range []*reader{s.primary, s.audio} {
		for _, v := range r.selector.Variants() {
			s.corrupt[v.Name] = v.Corrupt
		}
	}
}

// Control requests. They may be called from any goroutine while Run is
// active.

// Seek moves playback to pos on the playlist timeline.
func (s *Session) Seek(pos time.Duration) {
	s.cancelIO()
	s.pipe.Post(pipeline.Event{Kind: pipeline.EventSeek, Pos: pos})
}

// Exit stops the session.
func (s *Session) Exit() {
	s.cancelIO()
	s.pipe.Post(pipeline.Event{Kind: pipeline.EventExit})
}

// SkipForward stops the session with ReasonSkipForward.
func (s *Session) SkipForward() {
	s.cancelIO()
	s.pipe.Post(pipeline.Event{Kind: pipeline.EventSkipForward})
}

// SkipBackward stops the session with ReasonSkipBackward.
func (s *Session) SkipBackward() {
	s.cancelIO()
	s.pipe.Post(pipeline.Event{Kind: pipeline.EventSkipBackward})
}

// SelectAudio switches to the audio track with the given ID.
func (s *Session) SelectAudio(id int) {
	s.pipe.Post(pipeline.Event{Kind: pipeline.EventSelectAudio, Index: id})
}

// RequestVariant switches the primary reader to the variant at index, in
// descending bandwidth order, at the next segment boundary.
func (s *Session) RequestVariant(index int) {
	s.pipe.Post(pipeline.Event{Kind: pipeline.EventSelectVariant, Index: index})
}

// cancelIO interrupts in-flight segment reads of both readers.
func (s *Session) cancelIO() {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	for _, r := range []*reader{s.primary, s.audio} {
		if r != nil && r.ioCancel != nil {
			r.ioCancel()
		}
	}
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	s.ctlMu.Lock()
	st := Stats{
		SessionID: s.id,
		Variant:   s.current,
		Bandwidth: s.curBW,
		Audio:     s.curAudio,
		Corrupt:   make(map[string]int),
	}
	for name, n := range s.corrupt {
		st.Corrupt[name] = n
	}
	s.ctlMu.Unlock()

	est := s.primary.estimator
	st.Estimate = est.Estimate()
	st.ThroughputP50 = est.Quantile(0.5)
	st.ThroughputP90 = est.Quantile(0.9)

	st.Pipeline = s.pipe.Stats()
	st.Buffered = st.Pipeline.Delay
	st.Blocked = st.Pipeline.Blocked
	return st
}

// requiresVideo reports whether the primary demuxer of v must find an H.264
// stream. Variants without a CODECS attribute are not held to it.
func requiresVideo(v *variant.Variant) bool {
	return !v.AudioOnly && strings.Contains(v.Codecs, "avc1")
}

// enableVideo turns on the video queue once the primary variant is known
// to carry video.
func (s *Session) enableVideo() {
	if s.videoEnabled {
		return
	}
	s.videoEnabled = true
	s.pipe.SetVideoEnabled(true)
}
