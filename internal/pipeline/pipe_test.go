package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/hlsplay/internal/media"
)

func newTestPipe(cfg Config) *Pipe {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(cfg)
	p.SetVideoEnabled(true)
	return p
}

func video(dts time.Duration, key bool) *media.Packet {
	return &media.Packet{
		Type:     media.TypeVideo,
		Data:     []byte{0, 0, 0, 1, 0x41, 0xAA},
		PTS:      dts,
		DTS:      dts,
		UserTime: dts,
		Keyframe: key,
	}
}

func audio(dts time.Duration) *media.Packet {
	return &media.Packet{
		Type:     media.TypeAudio,
		Data:     []byte{0xFF, 0xF1, 0x50},
		PTS:      dts,
		DTS:      dts,
		UserTime: dts,
		Keyframe: true,
	}
}

func enqueue(t *testing.T, p *Pipe, pkts ...*media.Packet) {
	t.Helper()
	for _, pkt := range pkts {
		ev, err := p.Enqueue(context.Background(), pkt)
		require.NoError(t, err)
		require.Nil(t, ev)
	}
}

func drain(t *testing.T, p *Pipe, typ media.Type) []*media.Packet {
	t.Helper()
	var out []*media.Packet
	for {
		stats := p.Stats()
		n := stats.VideoPackets
		if typ == media.TypeAudio {
			n = stats.AudioPackets
		}
		if n == 0 {
			return out
		}
		pkt, err := p.Dequeue(context.Background(), typ)
		require.NoError(t, err)
		if pkt.Type == typ {
			out = append(out, pkt)
		}
	}
}

func dtsOf(pkts []*media.Packet) []time.Duration {
	var out []time.Duration
	for _, p := range pkts {
		out = append(out, p.DTS)
	}
	return out
}

func TestKeyframeGate(t *testing.T) {
	p := newTestPipe(DefaultConfig())

	enqueue(t, p,
		video(0, false),
		video(40*time.Millisecond, false),
		video(80*time.Millisecond, false),
		video(120*time.Millisecond, true),
		video(160*time.Millisecond, false),
		video(200*time.Millisecond, false),
	)

	got := drain(t, p, media.TypeVideo)
	require.Equal(t, []time.Duration{120 * time.Millisecond, 160 * time.Millisecond, 200 * time.Millisecond}, dtsOf(got))
	assert.True(t, got[0].Keyframe)
	assert.EqualValues(t, 3, p.Stats().VideoDropped)
}

func TestKeyframeGateRequiresDTS(t *testing.T) {
	p := newTestPipe(DefaultConfig())

	key := video(0, true)
	key.DTS = media.NoTimestamp
	enqueue(t, p, key, video(40*time.Millisecond, true))

	got := drain(t, p, media.TypeVideo)
	require.Len(t, got, 1)
	assert.Equal(t, 40*time.Millisecond, got[0].DTS)
}

func TestSynthesizedBypassesGate(t *testing.T) {
	p := newTestPipe(DefaultConfig())
	p.SelectAudio(0)

	pkt := audio(0)
	pkt.Keyframe = false
	pkt.Synthesized = true
	enqueue(t, p, pkt)

	assert.Equal(t, 1, p.Stats().AudioPackets)
}

func TestUnselectedAudioDropped(t *testing.T) {
	p := newTestPipe(DefaultConfig())
	p.SelectAudio(1)

	first := audio(0)
	second := audio(0)
	second.StreamIndex = 1
	enqueue(t, p, first, second)

	stats := p.Stats()
	assert.Equal(t, 1, stats.AudioPackets)
	assert.EqualValues(t, 1, stats.AudioDropped)
	assert.Equal(t, 1, p.AudioStream())
}

func TestBackpressure(t *testing.T) {
	p := newTestPipe(Config{MaxDelay: time.Second, MinPackets: 1})
	enqueue(t, p, video(0, true), video(time.Second, false))

	done := make(chan error, 1)
	go func() {
		_, err := p.Enqueue(context.Background(), video(2*time.Second, false))
		done <- err
	}()

	require.Eventually(t, func() bool { return p.Blocked() > 0 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("Enqueue returned while the pipe was full")
	default:
	}

	_, err := p.Dequeue(context.Background(), media.TypeVideo)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not resume after dequeue")
	}
	assert.Equal(t, 2, p.Stats().VideoPackets)
}

func TestBackpressureByteLimit(t *testing.T) {
	p := newTestPipe(Config{MaxBytes: 10, MinPackets: 1})
	enqueue(t, p, video(0, true))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Enqueue(ctx, video(time.Millisecond, false))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Positive(t, p.Blocked())
}

func TestStarvingQueueAdmits(t *testing.T) {
	p := newTestPipe(Config{MaxDelay: time.Second, MinPackets: 5})
	p.SelectAudio(0)

	// video is over the delay limit but audio is starving
	enqueue(t, p,
		video(0, true),
		video(time.Second, false),
		video(2*time.Second, false),
		video(3*time.Second, false),
		video(4*time.Second, false),
		video(5*time.Second, false),
	)
	assert.Equal(t, 6, p.Stats().VideoPackets)
	assert.Zero(t, p.Blocked())
}

func TestEnqueueReturnsPendingEvent(t *testing.T) {
	p := newTestPipe(DefaultConfig())
	p.Post(Event{Kind: EventSeek, Pos: 30 * time.Second})

	ev, err := p.Enqueue(context.Background(), video(0, true))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventSeek, ev.Kind)
	assert.Equal(t, 30*time.Second, ev.Pos)
	assert.Zero(t, p.Stats().VideoPackets)

	_, ok := p.NextEvent()
	assert.False(t, ok)
}

func TestEventWakesBlockedEnqueue(t *testing.T) {
	p := newTestPipe(Config{MaxBytes: 10, MinPackets: 1})
	enqueue(t, p, video(0, true))

	done := make(chan *Event, 1)
	go func() {
		ev, _ := p.Enqueue(context.Background(), video(time.Millisecond, false))
		done <- ev
	}()
	require.Eventually(t, func() bool { return p.Blocked() > 0 }, time.Second, time.Millisecond)

	p.Post(Event{Kind: EventExit})
	select {
	case ev := <-done:
		require.NotNil(t, ev)
		assert.Equal(t, EventExit, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("Enqueue was not woken by the event")
	}
}

func TestMerge(t *testing.T) {
	p := newTestPipe(DefaultConfig())
	ms := time.Millisecond
	enqueue(t, p, video(0, true), video(10*ms, false), video(20*ms, false), video(30*ms, false), video(40*ms, false))

	for i := 0; i < 2; i++ {
		_, err := p.Dequeue(context.Background(), media.TypeVideo)
		require.NoError(t, err)
	}

	p.Merge(media.TypeVideo)

	// the new variant restarts before what was already delivered
	enqueue(t, p, video(0, true))
	assert.EqualValues(t, 1, p.Stats().VideoDropped)

	// frames before the next keyframe are gated
	enqueue(t, p, video(20*ms, false))

	next := video(30*ms, true)
	enqueue(t, p, next, video(40*ms, false))
	assert.True(t, next.Flush)

	got := drain(t, p, media.TypeVideo)
	require.Equal(t, []time.Duration{20 * ms, 30 * ms, 40 * ms}, dtsOf(got))
	assert.Same(t, next, got[1])
	assert.False(t, got[2].Flush)
}

func TestMergeCarriesParameterSets(t *testing.T) {
	p := newTestPipe(DefaultConfig())
	enqueue(t, p, video(time.Second, true))
	_, err := p.Dequeue(context.Background(), media.TypeVideo)
	require.NoError(t, err)

	p.Merge(media.TypeVideo)

	old := video(0, true)
	old.Data = []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1E, // SPS
		0, 0, 0, 1, 0x68, 0xCE, 0x38, 0x80, // PPS
		0, 0, 0, 1, 0x65, 0x88, 0x84, // IDR
	}
	enqueue(t, p, old, video(2*time.Second, true))

	got := drain(t, p, media.TypeVideo)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1E,
		0, 0, 0, 1, 0x68, 0xCE, 0x38, 0x80,
		0, 0, 0, 1, 0x41, 0xAA,
	}, got[0].Data)
}

func TestDropEarlyAudio(t *testing.T) {
	p := newTestPipe(DefaultConfig())
	p.SelectAudio(0)

	enqueue(t, p, audio(0), audio(time.Second), audio(2*time.Second))
	enqueue(t, p, video(1500*time.Millisecond, true))

	got := drain(t, p, media.TypeAudio)
	require.Equal(t, []time.Duration{2 * time.Second}, dtsOf(got))
}

func TestSeekMarksSkip(t *testing.T) {
	p := newTestPipe(DefaultConfig())
	enqueue(t, p, video(0, true))

	p.Seek(10 * time.Second)

	first := video(8*time.Second, true)
	second := video(10*time.Second, false)
	third := video(9*time.Second, false)
	enqueue(t, p, first, second, third)

	assert.True(t, first.Skip)
	assert.False(t, second.Skip)
	assert.False(t, third.Skip, "seek target is cleared once reached")

	pkt, err := p.Dequeue(context.Background(), media.TypeVideo)
	require.NoError(t, err)
	assert.Equal(t, media.TypeFlush, pkt.Type)
}

func TestFlushAndEOS(t *testing.T) {
	p := newTestPipe(DefaultConfig())
	enqueue(t, p, video(0, true), video(time.Second, false))
	p.Flush()
	p.PushEOS()

	stats := p.Stats()
	assert.Zero(t, stats.VideoPackets)
	assert.Zero(t, stats.Bytes)
	assert.True(t, p.Empty())

	var types []media.Type
	for i := 0; i < 2; i++ {
		pkt, err := p.Dequeue(context.Background(), media.TypeVideo)
		require.NoError(t, err)
		types = append(types, pkt.Type)
	}
	assert.Equal(t, []media.Type{media.TypeFlush, media.TypeEOS}, types)

	pkt, err := p.Dequeue(context.Background(), media.TypeAudio)
	require.NoError(t, err)
	assert.Equal(t, media.TypeFlush, pkt.Type)
}

func TestBufferDelay(t *testing.T) {
	p := newTestPipe(DefaultConfig())
	p.SelectAudio(0)
	enqueue(t, p, video(0, true), video(2*time.Second, false), audio(0), audio(3*time.Second))

	assert.Equal(t, 3*time.Second, p.BufferDelay())
}

func TestWaitIdle(t *testing.T) {
	p := newTestPipe(DefaultConfig())

	start := time.Now()
	ev, err := p.WaitIdle(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Post(Event{Kind: EventSkipForward})
	}()
	ev, err = p.WaitIdle(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventSkipForward, ev.Kind)
}

func TestCurrentSequence(t *testing.T) {
	p := newTestPipe(DefaultConfig())
	_, ok := p.CurrentSequence()
	assert.False(t, ok)

	first := video(0, true)
	first.Sequence = 4
	second := video(time.Second, false)
	second.Sequence = 5
	enqueue(t, p, first, second)

	seq, ok := p.CurrentSequence()
	assert.True(t, ok)
	assert.Equal(t, 4, seq)

	drain(t, p, media.TypeVideo)
	seq, ok = p.CurrentSequence()
	assert.True(t, ok)
	assert.Equal(t, 5, seq)
}

func TestCloseWakesConsumer(t *testing.T) {
	p := newTestPipe(DefaultConfig())

	done := make(chan error, 1)
	go func() {
		_, err := p.Dequeue(context.Background(), media.TypeVideo)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue was not woken by Close")
	}
}

func TestInvalidQueue(t *testing.T) {
	p := newTestPipe(DefaultConfig())
	_, err := p.Enqueue(context.Background(), &media.Packet{Type: media.TypeEOS})
	require.Error(t, err)
	_, err = p.Dequeue(context.Background(), media.TypeFlush)
	require.Error(t, err)
}
