package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/origin"
	"github.com/agleyzer/hlsplay/internal/parser"
	"github.com/agleyzer/hlsplay/internal/variant"
)

type originOptions struct {
	variants string
	vod      bool
}

func newOriginCmd(a *app) *cobra.Command {
	opts := &originOptions{}

	cmd := &cobra.Command{
		Use:   "origin <playlist-url>",
		Short: "Serve a static playlist as a looping live stream",
		Long: `Origin converts a static HLS playlist (media or master) into a continuously
looping live feed. Every target duration the sliding window of each variant
moves forward by one segment, wrapping around with a discontinuity.`,
		Example: `  hlsplay origin https://example.com/playlist.m3u8
  hlsplay origin --port 8080 --window-size 6 https://example.com/playlist.m3u8
  hlsplay origin --loop-after 10s https://example.com/playlist.m3u8
  hlsplay origin --variants 0,2 https://example.com/master.m3u8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.logger.Info("hlsplay origin starting", "version", version)
			if err := a.runOrigin(ctx, args[0], opts); err != nil {
				return err
			}
			a.logger.Info("hlsplay origin stopped")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Int("port", 0, "HTTP server port (default from config, 8080)")
	flags.Int("window-size", 0, "number of segments in the sliding window (default from config, 6)")
	flags.Duration("loop-after", 0, "maximum duration of content to use before looping (e.g. '10s', '1m30s'); all segments if not set")
	flags.StringVar(&opts.variants, "variants", "", "comma-separated list of variant indices to serve (e.g. '0,2'); all if not set")
	flags.BoolVar(&opts.vod, "vod", false, "serve a finished playlist instead of a live window")

	return cmd
}

func applyOriginFlags(flags *pflag.FlagSet, cfg *config.Config) {
	overrideInt(flags, "port", &cfg.Origin.Port)
	overrideInt(flags, "window-size", &cfg.Origin.WindowSize)
	overrideDuration(flags, "loop-after", &cfg.Origin.LoopAfter)
}

func (a *app) runOrigin(ctx context.Context, playlistURL string, opts *originOptions) error {
	o, err := a.buildOrigin(ctx, playlistURL, opts)
	if err != nil {
		return err
	}
	o.SetVOD(opts.vod)

	go o.StartAutoAdvance(ctx)

	port := a.cfg.Origin.Port
	srv := origin.NewServer(o, port, a.logger)

	a.logger.Info("live HLS stream ready",
		"url", fmt.Sprintf("http://localhost:%d/playlist.m3u8", port),
		"health", fmt.Sprintf("http://localhost:%d/health", port),
		"master", o.IsMaster(),
	)

	// blocks until shutdown
	return srv.Start(ctx)
}

// buildOrigin loads the source stream and converts the selected variants
// and their audio renditions.
func (a *app) buildOrigin(ctx context.Context, playlistURL string, opts *originOptions) (*origin.Origin, error) {
	a.logger.Info("fetching source playlist", "url", playlistURL)
	m, err := loadStream(ctx, a.opener(), playlistURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load playlist: %w", err)
	}

	indices, err := parseVariantIndices(opts.variants, len(m.Variants))
	if err != nil {
		return nil, err
	}

	loopAfter := a.cfg.Origin.LoopAfter
	if loopAfter > 0 {
		a.logger.Info("loop-after specified", "duration", loopAfter)
	}

	var variants []origin.Variant
	groups := make(map[string]bool)
	for _, i := range indices {
		v := convertVariant(m.Variants[i], loopAfter, a.logger)
		if len(v.Segments) == 0 {
			return nil, fmt.Errorf("variant %d has no segments: %w", i, parser.ErrEmpty)
		}
		variants = append(variants, v)
		if v.Audio != "" {
			groups[v.Audio] = true
		}
		a.logger.Info("variant",
			"index", i,
			"bandwidth", v.Bandwidth,
			"resolution", v.Resolution,
			"segments", len(v.Segments),
		)
	}

	o, err := origin.New(variants, a.cfg.Origin.WindowSize, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create live origin: %w", err)
	}

	for _, r := range m.Audio {
		if !groups[r.AudioGroup] {
			continue
		}
		segments := calculateSegmentSubset(convertSegments(r), loopAfter)
		err := o.AddRendition(origin.Rendition{
			Group:    r.AudioGroup,
			Name:     r.Name,
			Language: r.Language,
			Default:  r.Default,
			Segments: segments,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add audio rendition: %w", err)
		}
	}
	return o, nil
}

func convertVariant(v *variant.Variant, loopAfter time.Duration, logger *slog.Logger) origin.Variant {
	segments := convertSegments(v)
	subset := calculateSegmentSubset(segments, loopAfter)
	if len(subset) != len(segments) {
		logger.Info("applied loop-after to variant",
			"variant", v.Name,
			"originalSegments", len(segments),
			"includedSegments", len(subset),
			"duration", loopAfter,
		)
	}

	target := int(math.Ceil(v.TargetDuration.Seconds()))
	for _, seg := range subset {
		target = max(target, int(math.Ceil(seg.Duration)))
	}

	return origin.Variant{
		Bandwidth:      v.Bandwidth,
		Resolution:     v.Resolution(),
		Codecs:         v.Codecs,
		TargetDuration: target,
		Segments:       subset,
		Audio:          v.AudioGroup,
	}
}

// convertSegments lists the segments of v for the origin. The IV is always
// written out: the origin renumbers segments, so an IV derived from the
// media sequence would no longer match.
func convertSegments(v *variant.Variant) []origin.Segment {
	var out []origin.Segment
	for _, seg := range v.Segments() {
		s := origin.Segment{
			URL:      seg.URL,
			Duration: seg.Duration.Seconds(),
			Sequence: seg.Sequence,
		}
		if seg.Range != nil {
			s.Length = seg.Range.Size
			s.Offset = seg.Range.Offset
		}
		if seg.Encrypted() {
			s.KeyURL = seg.KeyURL
			s.IV = fmt.Sprintf("0x%x", seg.IV[:])
		}
		out = append(out, s)
	}
	return out
}

// parseVariantIndices parses a comma-separated list of variant indices.
// An empty list selects all n variants.
func parseVariantIndices(list string, n int) ([]int, error) {
	if strings.TrimSpace(list) == "" {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices, nil
	}

	var indices []int
	seen := make(map[int]bool)
	for _, field := range strings.Split(list, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("invalid variant index '%s': %w", field, err)
		}
		if i < 0 || i >= n {
			return nil, fmt.Errorf("variant index %d out of range (0-%d)", i, n-1)
		}
		if seen[i] {
			continue
		}
		seen[i] = true
		indices = append(indices, i)
	}
	return indices, nil
}

// calculateSegmentSubset returns a subset of segments that fit within the specified duration.
// It sums segment durations from the start until the threshold is reached.
// A segment is included if adding it doesn't exceed the threshold by more than 50%.
// Returns at least 1 segment even if the first segment exceeds the duration.
func calculateSegmentSubset(segments []origin.Segment, maxDuration time.Duration) []origin.Segment {
	if len(segments) == 0 {
		return segments
	}

	// If maxDuration is 0, return all segments
	if maxDuration == 0 {
		return segments
	}

	maxDurationSeconds := maxDuration.Seconds()
	var totalDuration float64
	var result []origin.Segment

	for i, seg := range segments {
		// Always include at least the first segment
		if i == 0 {
			result = append(result, seg)
			totalDuration += seg.Duration
			continue
		}

		newTotal := totalDuration + seg.Duration
		if newTotal <= maxDurationSeconds {
			result = append(result, seg)
			totalDuration = newTotal
		} else {
			// Include if it doesn't exceed by more than 50%
			exceedAmount := newTotal - maxDurationSeconds
			if exceedAmount <= (maxDurationSeconds * 0.5) {
				result = append(result, seg)
				totalDuration = newTotal
			}
			break
		}
	}

	return result
}
