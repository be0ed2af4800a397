package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/source"
)

// app carries what every subcommand needs once the root command has loaded
// the configuration.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:     "hlsplay",
		Short:   "HLS adaptive playback engine",
		Version: version,
		Long: `hlsplay plays HTTP Live Streams: it discovers variants from a master
playlist, picks one by measured bandwidth, fetches and decrypts segments,
demultiplexes MPEG transport streams and hands timestamped packets to a
consumer.

It also serves static playlists as continuously looping live feeds, which is
handy for testing players against live streams.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	// Flags are not bound to viper. They override config and env values
	// only when set explicitly: flag > env > config file > default.
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./hlsplay.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "log format (text, json)")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newPlayCmd(a),
		newProbeCmd(a),
		newOriginCmd(a),
		newVersionCmd(),
	)
	return root
}

// init loads the configuration, applies explicitly set flags and creates
// the logger.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(config.New(a.cfgFile))
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	overrideString(flags, "log-level", &cfg.Logging.Level)
	overrideString(flags, "log-format", &cfg.Logging.Format)
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}
	applyPlayerFlags(flags, cfg)
	applyOriginFlags(flags, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	a.cfg = cfg
	a.logger = config.NewLogger(cfg.Logging, cmd.ErrOrStderr())
	return nil
}

func (a *app) opener() source.Opener {
	return source.NewHTTPOpener(a.cfg.HTTPConfig(a.logger))
}

func overrideString(flags *pflag.FlagSet, name string, dst *string) {
	if flags.Changed(name) {
		*dst, _ = flags.GetString(name)
	}
}

func overrideInt(flags *pflag.FlagSet, name string, dst *int) {
	if flags.Changed(name) {
		*dst, _ = flags.GetInt(name)
	}
}

func overrideDuration(flags *pflag.FlagSet, name string, dst *time.Duration) {
	if flags.Changed(name) {
		*dst, _ = flags.GetDuration(name)
	}
}
