package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agleyzer/hlsplay/internal/parser"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/source"
	"github.com/agleyzer/hlsplay/internal/variant"
)

func newProbeCmd(a *app) *cobra.Command {
	var showSegments bool

	cmd := &cobra.Command{
		Use:   "probe <playlist-url>",
		Short: "Print the variants and segments of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadStream(cmd.Context(), a.opener(), args[0])
			if err != nil {
				return err
			}
			printMaster(cmd.OutOrStdout(), args[0], m, showSegments)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showSegments, "segments", false, "list every segment")
	return cmd
}

// loadStream fetches a playlist and the media playlists of every variant
// and audio rendition it references.
func loadStream(ctx context.Context, o source.Opener, url string) (*parser.Master, error) {
	m, text, err := parser.LoadMaster(ctx, o, url)
	if err != nil {
		return nil, err
	}

	reg := segment.NewRegistry()
	if !parser.IsMaster(text) {
		if _, err := parser.ApplyMedia(m.Variants[0], text, reg); err != nil {
			return nil, err
		}
		return m, nil
	}

	all := append(append([]*variant.Variant{}, m.Variants...), m.Audio...)
	for _, v := range all {
		if _, err := parser.Refresh(ctx, o, v, reg); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", v.Name, err)
		}
	}
	return m, nil
}

func printMaster(w io.Writer, url string, m *parser.Master, showSegments bool) {
	fmt.Fprintf(w, "playlist: %s\n", url)
	fmt.Fprintf(w, "variants: %d", len(m.Variants))
	if m.Skipped > 0 {
		fmt.Fprintf(w, " (%d duplicate bandwidths skipped)", m.Skipped)
	}
	fmt.Fprintln(w)

	for i, v := range m.Variants {
		fmt.Fprintf(w, "  [%d] %s", i, v.Name)
		if v.Resolution() != "" {
			fmt.Fprintf(w, " %s", v.Resolution())
		}
		if v.Codecs != "" {
			fmt.Fprintf(w, " codecs=%s", v.Codecs)
		}
		if v.Profile != "" {
			fmt.Fprintf(w, " profile=%s@%s", v.Profile, v.Level)
		}
		if v.AudioGroup != "" {
			fmt.Fprintf(w, " audio=%s", v.AudioGroup)
		}
		fmt.Fprintln(w)
		printVariant(w, v, showSegments)
	}

	if len(m.Audio) > 0 {
		fmt.Fprintf(w, "audio renditions: %d\n", len(m.Audio))
		for i, v := range m.Audio {
			fmt.Fprintf(w, "  [%d] %s group=%s", i+1, v.Name, v.AudioGroup)
			if v.Language != "" {
				fmt.Fprintf(w, " language=%s", v.Language)
			}
			if v.Default {
				fmt.Fprint(w, " default")
			}
			fmt.Fprintln(w)
			printVariant(w, v, showSegments)
		}
	}
}

func printVariant(w io.Writer, v *variant.Variant, showSegments bool) {
	kind := "live"
	if v.Frozen {
		kind = "vod"
	}
	fmt.Fprintf(w, "      %s, %d segments, sequence %d-%d, duration %s\n",
		kind, v.Len(), v.FirstSeq, v.LastSeq, v.Duration())

	if !showSegments {
		return
	}
	for _, seg := range v.Segments() {
		fmt.Fprintf(w, "      #%d %.3fs %s", seg.Sequence, seg.Duration.Seconds(), seg.URL)
		if seg.Range != nil {
			fmt.Fprintf(w, " @%d+%d", seg.Range.Offset, seg.Range.Size)
		}
		if seg.Encrypted() {
			fmt.Fprintf(w, " %s", seg.Crypto)
		}
		if seg.Discontinuity != nil {
			fmt.Fprintf(w, " disc=%d", seg.Discontinuity.Seq)
		}
		fmt.Fprintln(w)
	}
}
