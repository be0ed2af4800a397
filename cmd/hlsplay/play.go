package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/media"
	"github.com/agleyzer/hlsplay/internal/pipeline"
	"github.com/agleyzer/hlsplay/internal/player"
)

type playOptions struct {
	seek          time.Duration
	dumpVideo     string
	dumpAudio     string
	audioTrack    int
	variant       int
	statsInterval time.Duration
}

func newPlayCmd(a *app) *cobra.Command {
	opts := &playOptions{}

	cmd := &cobra.Command{
		Use:   "play <playlist-url>",
		Short: "Play a stream and drain its packet queues",
		Long: `Play opens a master or media playlist and plays it until the end of the
stream, or until interrupted. Demultiplexed packets are drained from the
video and audio queues and can be dumped as elementary streams.`,
		Example: `  hlsplay play https://example.com/master.m3u8
  hlsplay play --seek 1m30s --dump-video out.h264 https://example.com/master.m3u8
  hlsplay play --variant 0 --log-level debug http://localhost:8080/playlist.m3u8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := a.play(ctx, args[0], opts)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					a.logger.Info("playback interrupted")
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "playback finished: %s\n", res.Reason)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.seek, "seek", 0, "start position on the stream timeline")
	flags.StringVar(&opts.dumpVideo, "dump-video", "", "write the H.264 elementary stream to this file")
	flags.StringVar(&opts.dumpAudio, "dump-audio", "", "write the audio elementary stream to this file")
	flags.IntVar(&opts.audioTrack, "audio-track", 0, "audio track to play (0 picks the default)")
	flags.IntVar(&opts.variant, "variant", -1, "pin a variant by index, highest bitrate first (-1 adapts)")
	flags.DurationVar(&opts.statsInterval, "stats-interval", 5*time.Second, "how often playback statistics are logged")
	flags.Int("corrupt-limit", 0, "failures after which a variant is excluded")
	flags.Duration("switch-cooldown", 0, "minimum time between bandwidth driven switches")
	flags.Int("live-edge", 0, "segments behind the live edge to start at")

	return cmd
}

func applyPlayerFlags(flags *pflag.FlagSet, cfg *config.Config) {
	overrideInt(flags, "corrupt-limit", &cfg.Player.CorruptLimit)
	overrideDuration(flags, "switch-cooldown", &cfg.Player.SwitchCooldown)
	overrideInt(flags, "live-edge", &cfg.Player.LiveEdgeSegments)
}

// play runs a session with one consumer per queue until it ends.
func (a *app) play(ctx context.Context, url string, opts *playOptions) (player.Result, error) {
	s, err := player.Open(ctx, a.cfg.PlayerConfig(a.logger), a.opener(), url)
	if err != nil {
		return player.Result{}, err
	}

	if opts.seek > 0 {
		s.Seek(opts.seek)
	}
	if opts.variant >= 0 {
		s.RequestVariant(opts.variant)
	}
	if opts.audioTrack > 0 {
		s.SelectAudio(opts.audioTrack)
	}

	video, err := newSink(opts.dumpVideo)
	if err != nil {
		return player.Result{}, err
	}
	defer video.Close()
	audio, err := newSink(opts.dumpAudio)
	if err != nil {
		return player.Result{}, err
	}
	defer audio.Close()

	var res player.Result
	done := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		var err error
		res, err = s.Run(gctx)
		return err
	})
	g.Go(func() error {
		return drain(gctx, s.Pipe(), media.TypeVideo, video)
	})
	g.Go(func() error {
		return drain(gctx, s.Pipe(), media.TypeAudio, audio)
	})
	g.Go(func() error {
		reportStats(gctx, done, s, video, audio, opts.statsInterval, a.logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return player.Result{}, err
	}

	a.logger.Info("playback finished",
		"reason", res.Reason,
		"video_packets", video.packets.Load(),
		"audio_packets", audio.packets.Load(),
		"corrupt", s.Stats().Corrupt,
	)
	return res, nil
}

// sink counts dequeued packets and optionally writes their payload.
type sink struct {
	w       io.WriteCloser
	packets atomic.Int64
	bytes   atomic.Int64
	lastPos atomic.Int64
}

func newSink(path string) (*sink, error) {
	s := &sink{}
	if path == "" {
		return s, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump file: %w", err)
	}
	s.w = f
	return s, nil
}

func (s *sink) write(pkt *media.Packet) error {
	s.packets.Add(1)
	s.bytes.Add(int64(len(pkt.Data)))
	s.lastPos.Store(int64(pkt.UserTime))
	if s.w == nil {
		return nil
	}
	if _, err := s.w.Write(pkt.Data); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}

func (s *sink) Close() error {
	if s.w == nil {
		return nil
	}
	return s.w.Close()
}

// drain dequeues typ until end of stream or until the pipe closes. Skip
// packets are decoded by real consumers but never presented, so they are
// not counted.
func drain(ctx context.Context, p *pipeline.Pipe, typ media.Type, s *sink) error {
	for {
		pkt, err := p.Dequeue(ctx, typ)
		if errors.Is(err, pipeline.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		switch pkt.Type {
		case media.TypeEOS:
			return nil
		case media.TypeFlush:
			continue
		}
		if pkt.Skip {
			continue
		}
		if err := s.write(pkt); err != nil {
			return err
		}
	}
}

func reportStats(ctx context.Context, done <-chan struct{}, s *player.Session, video, audio *sink, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			st := s.Stats()
			logger.Info("playback",
				"variant", st.Variant,
				"bandwidth", st.Bandwidth,
				"audio", st.Audio,
				"estimate", st.Estimate,
				"throughput_p50", st.ThroughputP50,
				"throughput_p90", st.ThroughputP90,
				"buffered", st.Buffered,
				"blocked", st.Blocked,
				"position", media.FormatTimestamp(time.Duration(video.lastPos.Load())),
				"video_packets", video.packets.Load(),
				"audio_packets", audio.packets.Load(),
			)
		}
	}
}
