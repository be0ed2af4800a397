package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.uber.org/ratelimit"

	"github.com/agleyzer/hlsplay/internal/abr"
	"github.com/agleyzer/hlsplay/internal/demux"
	"github.com/agleyzer/hlsplay/internal/fetch"
	"github.com/agleyzer/hlsplay/internal/media"
	"github.com/agleyzer/hlsplay/internal/parser"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/timeline"
	"github.com/agleyzer/hlsplay/internal/variant"
)

// maxSequenceProbe is how many sequence numbers past a wanted one are tried
// when the wanted segment is not stored.
const maxSequenceProbe = 5

// maxLiveSkips bounds how many missing live segments are skipped in a row.
const maxLiveSkips = 5

// reader pulls segments of one variant at a time through a demuxer. The
// primary reader plays the main variants; the audio reader plays
// alternative audio renditions, when the master lists any.
type reader struct {
	s         *Session
	name      string
	primary   bool
	logger    *slog.Logger
	selector  *abr.Selector
	estimator *abr.Estimator
	limiter   ratelimit.Limiter
	timeline  *timeline.Reconciler

	current   *variant.Variant
	requested *variant.Variant

	demux   *demux.Demuxer
	seg     *segment.Segment
	handle  *fetch.Handle
	discSeq int
	seekTo  time.Duration

	// pkt is the demuxed packet waiting to be enqueued.
	pkt *media.Packet

	bwUpdated    bool
	noFunctional bool

	// ioCtx is cancelled to interrupt segment I/O on seek and exit.
	ioCtx    context.Context
	ioCancel context.CancelFunc

	buf []byte
}

func newReader(s *Session, name string, primary bool, sel *abr.Selector) *reader {
	logger := s.logger.With("demuxer", name)
	return &reader{
		s:         s,
		name:      name,
		primary:   primary,
		logger:    logger,
		selector:  sel,
		estimator: abr.NewEstimator(s.cfg.BlendWeight),
		limiter:   ratelimit.New(s.cfg.RefreshRate),
		timeline:  timeline.New(logger),
		discSeq:   -1,
		seekTo:    media.NoTimestamp,
		buf:       make([]byte, s.cfg.ReadChunk),
	}
}

// resetIO replaces the I/O cancellation context.
func (r *reader) resetIO(ctx context.Context) {
	r.s.ctlMu.Lock()
	defer r.s.ctlMu.Unlock()
	if r.ioCancel != nil {
		r.ioCancel()
	}
	r.ioCtx, r.ioCancel = context.WithCancel(ctx)
}

// peek returns the held packet, reading a new one if needed. A nil packet
// without eof means nothing is available right now.
func (r *reader) peek(ctx context.Context) (*media.Packet, bool, error) {
	if r.pkt != nil {
		return r.pkt, false, nil
	}
	pkt, eof, err := r.read(ctx)
	r.pkt = pkt
	return pkt, eof, err
}

func (r *reader) failure() error {
	if r.noFunctional {
		return abr.ErrNoFunctionalStreams
	}
	return nil
}

// read returns the next reconciled packet of the current variant.
func (r *reader) read(ctx context.Context) (*media.Packet, bool, error) {
	if r.noFunctional {
		return nil, false, abr.ErrNoFunctionalStreams
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		if r.demux != nil {
			if pkt := r.demux.Next(); pkt != nil {
				r.timeline.AudioClock = r.audioClock()
				r.timeline.Apply(pkt, r.segmentOf(pkt))
				return pkt, false, nil
			}
		}

		if r.handle == nil {
			r.checkSwitch()
			if r.requested != nil {
				r.switchVariant()
			}
			if r.current == nil {
				return nil, true, nil
			}
			if r.demux == nil {
				r.demux = r.newDemuxer()
			}

			seg, eof := r.nextSegment(ctx)
			if eof {
				return nil, true, nil
			}
			if seg == nil || !r.open(seg) {
				return nil, false, r.failure()
			}
		}

		if !r.fill() {
			return nil, false, r.failure()
		}
	}
}

func (r *reader) newDemuxer() *demux.Demuxer {
	return demux.New(demux.Config{
		Primary:      r.primary,
		RequireVideo: r.primary && requiresVideo(r.current),
		Track:        r.registerTrack,
		Logger:       r.logger,
	})
}

// segmentOf returns the segment a demuxed packet was read from.
func (r *reader) segmentOf(pkt *media.Packet) *segment.Segment {
	if r.seg != nil && r.seg.Sequence == pkt.Sequence {
		return r.seg
	}
	return r.current.FindBySeq(pkt.Sequence)
}

// checkSwitch stages a bandwidth driven switch after a new estimate. An
// estimate that arrives during the cooldown is kept until it has passed.
func (r *reader) checkSwitch() {
	if !r.primary || !r.bwUpdated || r.requested != nil || r.current == nil {
		return
	}
	now := time.Now()
	if !r.selector.Ready(now) {
		return
	}
	r.bwUpdated = false

	next, err := r.selector.Check(now, r.current, r.estimator.Estimate(), r.s.pipe.BufferDelay())
	if err != nil {
		r.noFunctional = true
		return
	}
	if next != nil {
		r.requested = next
	}
}

// switchVariant applies the staged switch. Queues are armed to merge so
// that the overlap between the two variants is played once.
func (r *reader) switchVariant() {
	next := r.requested
	r.requested = nil
	from := r.current

	r.closeVariant()
	r.current = next
	r.logger.Info("switching variant",
		"from", nameOf(from),
		"to", next.Name,
		"bandwidth", next.Bandwidth,
	)

	if r.primary {
		types := []media.Type{media.TypeVideo}
		if r.s.audio.current == nil {
			types = append(types, media.TypeAudio)
		}
		r.s.pipe.Merge(types...)
	} else {
		r.s.pipe.Merge(media.TypeAudio)
		r.s.followRendition(next)
	}
	r.s.publish()
}

// closeVariant drops the demuxer and the open segment.
func (r *reader) closeVariant() {
	r.closeSegment()
	r.demux = nil
	r.seg = nil
	r.discSeq = -1
}

func (r *reader) closeSegment() {
	if r.handle != nil {
		r.handle.Close()
		r.handle = nil
	}
}

// nextSegment picks the segment to open. A nil segment without eof means
// the caller should come back later: the variant failed, the live playlist
// has not grown yet, or a control event arrived.
func (r *reader) nextSegment(ctx context.Context) (*segment.Segment, bool) {
	v := r.current

	if v.Loaded.IsZero() {
		if err := r.refresh(ctx, v); err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			r.badVariant(err, true)
			return nil, false
		}
	}

	for {
		seg, eof := r.candidate()
		if eof {
			return nil, true
		}
		if seg != nil {
			return seg, false
		}
		if v.Frozen {
			return nil, true
		}

		if r.s.pipe.BufferDelay() < r.s.cfg.RefreshBufferThreshold &&
			time.Since(v.Loaded) >= time.Second/time.Duration(r.s.cfg.RefreshRate) {
			err := r.refresh(ctx, v)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return nil, false
			}
			// a live variant keeps playing; only a failed load counts
			// against it, an empty playlist does not
			if errors.Is(err, parser.ErrUnloadable) {
				v.MarkCorrupt()
				r.s.publish()
			}
			r.logger.Warn("playlist refresh failed", "variant", v.Name, "corrupt", v.Corrupt, "error", err)
		}

		// no segment yet, sleep until the playlist may have grown
		ev, err := r.s.pipe.WaitIdle(ctx, r.s.cfg.LiveWait)
		if err == nil && ev != nil {
			r.s.held = ev
		}
		return nil, false
	}
}

// candidate returns the segment following the current one, or the
// starting segment after a seek, a switch or at startup.
func (r *reader) candidate() (*segment.Segment, bool) {
	v := r.current
	if r.seg != nil {
		return v.Next(r.seg), false
	}

	var seg *segment.Segment
	if r.seekTo != media.NoTimestamp {
		seg = v.FindByTime(r.seekTo)
		pos := r.seekTo
		r.seekTo = media.NoTimestamp
		if seg == nil && v.Frozen {
			return nil, true
		}
		if seg != nil {
			r.logger.Debug("seek target", "position", pos, "segment", seg.Sequence)
		}
	}

	if seg == nil {
		seq, ok := r.s.pipe.CurrentSequence()
		if !ok && !v.Frozen {
			seg = r.liveStart()
		} else if ok {
			seg = r.findFrom(seq)
		}
	}

	if seg == nil && v.Len() > 0 {
		seg = v.Segments()[0]
	}
	return seg, false
}

// liveStart picks where a live stream starts: the #EXT-X-START offset, or
// a few segments behind the newest one.
func (r *reader) liveStart() *segment.Segment {
	v := r.current
	if v.Len() == 0 {
		return nil
	}

	if v.HasStart {
		first := v.FindByTime(0)
		pos := v.StartOffset
		if pos < 0 {
			pos += v.Last().End()
		} else if first != nil {
			pos += first.TimeOffset
		}
		if seg := v.FindByTime(pos); seg != nil {
			r.logger.Debug("live stream starting at start offset", "segment", seg.Sequence)
			return seg
		}
	}

	seq := max(v.LastSeq-r.s.cfg.LiveEdgeSegments, v.FirstSeq)
	r.logger.Debug("live stream selecting initial segment", "segment", seq)
	return r.findFrom(seq)
}

func (r *reader) findFrom(seq int) *segment.Segment {
	for i := 0; i < maxSequenceProbe; i++ {
		if seg := r.current.FindBySeq(seq + i); seg != nil {
			return seg
		}
	}
	return nil
}

func (r *reader) refresh(ctx context.Context, v *variant.Variant) error {
	r.limiter.Take()
	res, err := parser.Refresh(ctx, r.s.opener, v, r.s.registry)
	if err != nil {
		return err
	}
	r.logger.Debug("playlist loaded",
		"variant", v.Name,
		"items", res.Items,
		"added", res.Added,
		"first_seq", v.FirstSeq,
		"last_seq", v.LastSeq,
		"frozen", v.Frozen,
	)
	return nil
}

// open opens seg. Live segments that cannot be found are skipped a few
// times before the variant is given up.
func (r *reader) open(seg *segment.Segment) bool {
	v := r.current

	var h *fetch.Handle
	for skips := 0; ; {
		var err error
		h, err = r.s.fetcher.Open(r.ioCtx, v, seg)
		if err == nil {
			break
		}
		if r.ioCtx.Err() != nil {
			return false
		}
		if !v.Frozen && errors.Is(err, fetch.ErrSegmentNotFound) && skips < maxLiveSkips {
			if next := v.Next(seg); next != nil {
				skips++
				r.logger.Debug("segment not found in live mode, trying next", "segment", seg.Sequence)
				seg = next
				continue
			}
		}
		r.badVariant(err, false)
		return false
	}

	r.handle = h
	r.seg = seg
	if d := seg.Discontinuity; d != nil && d.Seq != r.discSeq {
		if r.discSeq >= 0 {
			r.demux.Drain()
		}
		r.discSeq = d.Seq
	}
	r.demux.BeginSegment(seg.Sequence)
	r.logger.Debug("opened segment",
		"variant", v.Name,
		"segment", seg.Sequence,
		"discontinuity", r.discSeq,
		"size", h.Size(),
	)
	return true
}

// audioClock reports whether this reader's audio drives the clock: no
// video has been seen, and muxed audio gives way to a separate rendition.
func (r *reader) audioClock() bool {
	if r.s.videoEnabled {
		return false
	}
	return !r.primary || r.s.audio.current == nil
}

// fill reads one chunk of the open segment into the demuxer.
func (r *reader) fill() bool {
	n, err := r.handle.Read(r.buf)
	if n > 0 {
		if _, werr := r.demux.Write(r.buf[:n]); werr != nil {
			r.closeSegment()
			r.badVariant(werr, structural(werr))
			return false
		}
		if r.primary && r.demux.HasVideo() {
			r.s.enableVideo()
		}
	}

	switch {
	case err == nil:
		return true

	case errors.Is(err, io.EOF):
		derr := r.demux.EndSegment()
		r.finishSegment()
		if derr != nil {
			r.badVariant(derr, structural(derr))
			return false
		}
		return true

	case r.ioCtx.Err() != nil:
		r.closeSegment()
		r.seg = nil
		return false

	default:
		seg := r.seg
		r.closeSegment()
		r.badVariant(fmt.Errorf("%w: %s: %w", fetch.ErrSegmentBroken, seg, err), false)
		return false
	}
}

// finishSegment closes a fully read segment and folds the transfer into
// the bandwidth estimate.
func (r *reader) finishSegment() {
	h := r.handle
	r.handle = nil
	h.Close()

	bytes, elapsed, ok := h.Sample()
	if !ok {
		return
	}
	if est, ok := r.estimator.Update(bytes, elapsed); ok {
		r.bwUpdated = true
		r.logger.Debug("estimated bandwidth updated",
			"estimate", est,
			"bytes", bytes,
			"elapsed", elapsed,
			"buffered", r.s.pipe.BufferDelay(),
		)
	}
}

// badVariant records a failure of the current variant and stages the
// replacement picked by the selector.
func (r *reader) badVariant(err error, disqualify bool) {
	v := r.current
	r.s.setError(err)
	r.logger.Warn("unable to play variant", "variant", v.Name, "error", err)

	r.closeVariant()
	if r.s.cfg.BadVariantPause > 0 {
		t := time.NewTimer(r.s.cfg.BadVariantPause)
		select {
		case <-t.C:
		case <-r.ioCtx.Done():
			t.Stop()
		}
	}

	now := time.Now()
	var next *variant.Variant
	if disqualify {
		next, err = r.selector.Disqualify(now, v)
	} else {
		next, err = r.selector.Fail(now, v)
	}
	r.s.publish()
	if err != nil {
		r.logger.Error("no functional streams left")
		r.noFunctional = true
		return
	}
	r.requested = next
}

// structural reports whether a demuxer error disqualifies the variant.
func structural(err error) bool {
	return errors.Is(err, demux.ErrProbe) ||
		errors.Is(err, demux.ErrNoVideo) ||
		errors.Is(err, demux.ErrUnknownAudio)
}

func nameOf(v *variant.Variant) string {
	if v == nil {
		return ""
	}
	return v.Name
}
