// Package pipeline hands demuxed packets from the HLS reader to the decoders.
//
// A Pipe holds a video and an audio queue. The producer blocks in Enqueue
// while the buffered media exceeds the delay or byte limits, unless one of
// the enabled queues is close to running dry. Control events posted by the
// consumer side (seek, exit, track changes) are returned to the producer
// from its blocking calls.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/agleyzer/hlsplay/internal/media"
)

// ErrClosed is returned by blocking calls once the pipe is closed.
var ErrClosed = errors.New("pipeline closed")

// Default configuration values.
const (
	DefaultMaxDelay   = 60 * time.Second
	DefaultMaxBytes   = 64 << 20
	DefaultMinPackets = 5
)

// Config holds the pipe limits.
type Config struct {
	// MaxDelay is the buffered media duration above which Enqueue blocks.
	MaxDelay time.Duration

	// MaxBytes is the buffered payload size above which Enqueue blocks.
	MaxBytes int

	// MinPackets is the queue depth under which Enqueue never blocks.
	MinPackets int

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxDelay:   DefaultMaxDelay,
		MaxBytes:   DefaultMaxBytes,
		MinPackets: DefaultMinPackets,
	}
}

// EventKind identifies a control event.
type EventKind int

const (
	EventSeek EventKind = iota + 1
	EventExit
	EventSkipForward
	EventSkipBackward
	EventSelectAudio
	EventSelectVariant
)

func (k EventKind) String() string {
	switch k {
	case EventSeek:
		return "seek"
	case EventExit:
		return "exit"
	case EventSkipForward:
		return "skip-forward"
	case EventSkipBackward:
		return "skip-backward"
	case EventSelectAudio:
		return "select-audio"
	case EventSelectVariant:
		return "select-variant"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a control request delivered to the producer.
type Event struct {
	Kind EventKind

	// Pos is the target position of EventSeek.
	Pos time.Duration

	// Index is the audio stream of EventSelectAudio or the variant index of
	// EventSelectVariant.
	Index int
}

// Stats is a snapshot of the pipe.
type Stats struct {
	VideoPackets int
	AudioPackets int
	Bytes        int
	Delay        time.Duration
	Blocked      int64
	VideoDropped int64
	AudioDropped int64
}

type queue struct {
	typ     media.Type
	packets []*media.Packet
	count   int // data packets, control packets excluded
	enabled bool

	keyframeSeen bool
	merge        bool
	lastDequeued time.Duration
	seekTarget   time.Duration

	// SPS and PPS NAL units of dropped video packets, prepended to the next
	// queued one.
	params []byte

	dropped int64
}

func newQueue(typ media.Type) *queue {
	return &queue{
		typ:          typ,
		lastDequeued: media.NoTimestamp,
		seekTarget:   media.NoTimestamp,
	}
}

func isData(p *media.Packet) bool {
	return p.Type == media.TypeVideo || p.Type == media.TypeAudio
}

// delay is the DTS span between the oldest and newest queued packets.
func (q *queue) delay() time.Duration {
	first, last := media.NoTimestamp, media.NoTimestamp
	for _, p := range q.packets {
		if p.HasDTS() {
			first = p.DTS
			break
		}
	}
	for i := len(q.packets) - 1; i >= 0; i-- {
		if q.packets[i].HasDTS() {
			last = q.packets[i].DTS
			break
		}
	}
	if first == media.NoTimestamp || last < first {
		return 0
	}
	return last - first
}

func (q *queue) push(p *media.Packet) {
	q.packets = append(q.packets, p)
	if isData(p) {
		q.count++
	}
}

// Pipe is the producer/consumer hand-off. It is safe for concurrent use.
type Pipe struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	video       *queue
	audio       *queue
	bytes       int
	events      []Event
	audioStream int
	lastSeq     int
	haveSeq     bool
	closed      bool

	blocked atomic.Int64
}

// New creates a pipe. Both queues start disabled; see SetVideoEnabled and
// SelectAudio.
func New(cfg Config) *Pipe {
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MinPackets <= 0 {
		cfg.MinPackets = DefaultMinPackets
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipe{
		cfg:         cfg,
		logger:      logger,
		video:       newQueue(media.TypeVideo),
		audio:       newQueue(media.TypeAudio),
		audioStream: -1,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pipe) queue(t media.Type) (*queue, error) {
	switch t {
	case media.TypeVideo:
		return p.video, nil
	case media.TypeAudio:
		return p.audio, nil
	}
	return nil, fmt.Errorf("no queue for %s packets", t)
}

func (p *Pipe) wake() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipe) popEventLocked() (Event, bool) {
	if len(p.events) == 0 {
		return Event{}, false
	}
	ev := p.events[0]
	p.events = p.events[1:]
	return ev, true
}

func (p *Pipe) delayLocked() time.Duration {
	return max(p.video.delay(), p.audio.delay())
}

func (p *Pipe) admitLocked(size int) bool {
	if p.delayLocked() < p.cfg.MaxDelay && p.bytes+size < p.cfg.MaxBytes {
		return true
	}
	if p.video.enabled && p.video.count < p.cfg.MinPackets {
		return true
	}
	return p.audio.enabled && p.audio.count < p.cfg.MinPackets
}

// gated reports whether pkt is held back because its queue has not seen a
// keyframe with a DTS yet. Packets with synthesized timestamps pass.
func gated(q *queue, pkt *media.Packet) bool {
	if q.keyframeSeen || pkt.Synthesized {
		return false
	}
	return !pkt.HasDTS() || !pkt.Keyframe
}

// Enqueue hands pkt to its queue, blocking while the pipe is saturated.
//
// A pending control event is returned instead of queueing; pkt is then not
// consumed and the caller may enqueue it again after handling the event.
// Packets held by the keyframe gate, packets already delivered before a
// merge and packets of an unselected audio stream are dropped, and Enqueue
// returns nil, nil.
func (p *Pipe) Enqueue(ctx context.Context, pkt *media.Packet) (*Event, error) {
	stop := context.AfterFunc(ctx, p.wake)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	q, err := p.queue(pkt.Type)
	if err != nil {
		return nil, err
	}

	for {
		if ev, ok := p.popEventLocked(); ok {
			return &ev, nil
		}
		if p.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if (pkt.Type == media.TypeAudio && pkt.StreamIndex != p.audioStream) || gated(q, pkt) {
			q.dropped++
			return nil, nil
		}
		if p.admitLocked(pkt.Size()) {
			break
		}
		p.blocked.Add(1)
		p.cond.Wait()
	}

	if q.seekTarget != media.NoTimestamp {
		if pkt.UserTime < q.seekTarget {
			pkt.Skip = true
		} else {
			q.seekTarget = media.NoTimestamp
		}
	}

	if q.merge {
		if q.lastDequeued != media.NoTimestamp && pkt.HasDTS() && pkt.DTS < q.lastDequeued {
			// already delivered from the previous variant
			if pkt.Type == media.TypeVideo {
				q.params = parameterSets(pkt.Data)
			}
			q.keyframeSeen = false
			q.dropped++
			return nil, nil
		}
		if pkt.HasDTS() {
			p.truncateLocked(q, pkt.DTS)
		}
		q.merge = false
		pkt.Flush = true
		p.logger.Debug("queue merged",
			"queue", q.typ,
			"dts", media.FormatTimestamp(pkt.DTS),
		)
	}

	if pkt.Type == media.TypeVideo && !q.keyframeSeen && q.count == 0 && pkt.HasDTS() {
		p.dropEarlyAudioLocked(pkt.DTS)
	}
	if pkt.Keyframe {
		q.keyframeSeen = true
	}

	if pkt.Type == media.TypeVideo && len(q.params) > 0 {
		data := make([]byte, 0, len(q.params)+len(pkt.Data))
		pkt.Data = append(append(data, q.params...), pkt.Data...)
		q.params = nil
	}

	q.push(pkt)
	p.bytes += pkt.Size()
	p.lastSeq, p.haveSeq = pkt.Sequence, true
	p.cond.Broadcast()
	return nil, nil
}

// truncateLocked removes queued data packets from the first one whose DTS
// is at or after dts.
func (p *Pipe) truncateLocked(q *queue, dts time.Duration) {
	cut := -1
	for i, b := range q.packets {
		if b.HasDTS() && b.DTS >= dts {
			cut = i
			break
		}
	}
	if cut < 0 {
		return
	}

	kept := q.packets[:cut]
	removed := 0
	for _, b := range q.packets[cut:] {
		if !isData(b) {
			kept = append(kept, b)
			continue
		}
		p.bytes -= b.Size()
		q.count--
		removed++
	}
	q.packets = kept
	if removed > 0 {
		p.logger.Debug("dropped duplicate packets", "queue", q.typ, "count", removed)
	}
}

// dropEarlyAudioLocked drops queued audio that precedes the first video
// frame, so that playback does not start with audio only.
func (p *Pipe) dropEarlyAudioLocked(dts time.Duration) {
	a := p.audio
	n := 0
	for n < len(a.packets) {
		b := a.packets[n]
		if !isData(b) || !b.HasDTS() || b.DTS >= dts {
			break
		}
		p.bytes -= b.Size()
		a.count--
		a.dropped++
		n++
	}
	if n > 0 {
		a.packets = a.packets[n:]
		p.logger.Debug("dropped early audio", "count", n, "video_dts", media.FormatTimestamp(dts))
	}
}

// parameterSets returns the SPS and PPS NAL units of an Annex-B access
// unit, re-encoded as Annex-B, or nil.
func parameterSets(data []byte) []byte {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil
	}
	var ps h264.AnnexB
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			ps = append(ps, nalu)
		}
	}
	if len(ps) == 0 {
		return nil
	}
	buf, err := ps.Marshal()
	if err != nil {
		return nil
	}
	return buf
}

// Dequeue removes the oldest packet of the given queue, blocking until one
// is available.
func (p *Pipe) Dequeue(ctx context.Context, typ media.Type) (*media.Packet, error) {
	stop := context.AfterFunc(ctx, p.wake)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	q, err := p.queue(typ)
	if err != nil {
		return nil, err
	}
	for len(q.packets) == 0 {
		if p.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.cond.Wait()
	}

	pkt := q.packets[0]
	q.packets[0] = nil
	q.packets = q.packets[1:]
	if isData(pkt) {
		q.count--
		p.bytes -= pkt.Size()
		if pkt.HasDTS() {
			q.lastDequeued = pkt.DTS
		}
	}
	p.cond.Broadcast()
	return pkt, nil
}

// Post queues a control event for the producer and wakes it.
func (p *Pipe) Post(ev Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// NextEvent returns a pending control event without blocking.
func (p *Pipe) NextEvent() (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popEventLocked()
}

// WaitIdle sleeps for up to d, returning early with a control event if one
// is posted.
func (p *Pipe) WaitIdle(ctx context.Context, d time.Duration) (*Event, error) {
	expired := false
	t := time.AfterFunc(d, func() {
		p.mu.Lock()
		expired = true
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer t.Stop()
	stop := context.AfterFunc(ctx, p.wake)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if ev, ok := p.popEventLocked(); ok {
			return &ev, nil
		}
		if p.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if expired {
			return nil, nil
		}
		p.cond.Wait()
	}
}

// Flush drops every queued packet and queues a flush marker on both queues.
func (p *Pipe) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
	p.cond.Broadcast()
}

func (p *Pipe) flushLocked() {
	for _, q := range []*queue{p.video, p.audio} {
		clear(q.packets)
		q.packets = q.packets[:0]
		q.count = 0
		q.lastDequeued = media.NoTimestamp
		q.push(&media.Packet{Type: media.TypeFlush, PTS: media.NoTimestamp, DTS: media.NoTimestamp, UserTime: media.NoTimestamp})
	}
	p.bytes = 0
}

// Seek prepares the pipe for data from a new position: queues are flushed,
// both keyframe gates are closed again and packets before pos are marked
// Skip.
func (p *Pipe) Seek(pos time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
	for _, q := range []*queue{p.video, p.audio} {
		q.seekTarget = pos
		q.keyframeSeen = false
		q.merge = false
		q.params = nil
	}
	p.haveSeq = false
	p.cond.Broadcast()
}

// Merge arms the given queues for a variant switch: the next packet removes
// queued packets it overlaps and the keyframe gate is closed again.
func (p *Pipe) Merge(types ...media.Type) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range types {
		q, err := p.queue(t)
		if err != nil {
			continue
		}
		q.merge = true
		q.keyframeSeen = false
	}
}

// PushEOS queues an end-of-stream marker on both queues.
func (p *Pipe) PushEOS() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range []*queue{p.video, p.audio} {
		q.push(&media.Packet{Type: media.TypeEOS, PTS: media.NoTimestamp, DTS: media.NoTimestamp, UserTime: media.NoTimestamp})
	}
	p.cond.Broadcast()
}

// Close wakes every blocked call; they return ErrClosed.
func (p *Pipe) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// SetVideoEnabled marks whether the video queue is expected to receive data.
func (p *Pipe) SetVideoEnabled(enabled bool) {
	p.mu.Lock()
	p.video.enabled = enabled
	p.mu.Unlock()
}

// SelectAudio sets the audio stream index accepted by the audio queue. A
// negative index disables audio.
func (p *Pipe) SelectAudio(stream int) {
	p.mu.Lock()
	p.audioStream = stream
	p.audio.enabled = stream >= 0
	p.mu.Unlock()
}

// AudioStream returns the selected audio stream index, or -1.
func (p *Pipe) AudioStream() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audioStream
}

// BufferDelay returns the buffered media duration.
func (p *Pipe) BufferDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delayLocked()
}

// Blocked returns how many times Enqueue had to wait for the consumer.
func (p *Pipe) Blocked() int64 {
	return p.blocked.Load()
}

// Empty reports whether both queues are drained of data packets.
func (p *Pipe) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.video.count == 0 && p.audio.count == 0
}

// CurrentSequence returns the media sequence of the oldest queued video
// packet, or else of the last enqueued packet. ok is false when nothing has
// been enqueued since creation or the last seek.
func (p *Pipe) CurrentSequence() (seq int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.video.packets {
		if isData(b) {
			return b.Sequence, true
		}
	}
	return p.lastSeq, p.haveSeq
}

// Stats returns a snapshot of the queues.
func (p *Pipe) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		VideoPackets: p.video.count,
		AudioPackets: p.audio.count,
		Bytes:        p.bytes,
		Delay:        p.delayLocked(),
		Blocked:      p.blocked.Load(),
		VideoDropped: p.video.dropped,
		AudioDropped: p.audio.dropped,
	}
}
