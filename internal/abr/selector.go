package abr

import (
	"errors"
	"log/slog"
	"time"

	"github.com/agleyzer/hlsplay/internal/variant"
)

// ErrNoFunctionalStreams is returned once every variant has reached the
// corruption limit.
var ErrNoFunctionalStreams = errors.New("no functional streams")

// Config holds the variant selection policy.
type Config struct {
	// CorruptLimit excludes a variant once its corruption counter reaches it.
	CorruptLimit int

	// Cooldown is the minimum time between bandwidth driven switches.
	Cooldown time.Duration

	// StrictHeadroom selects only variants whose bitrate is strictly below
	// the estimate. When false, a bitrate equal to the estimate qualifies.
	StrictHeadroom bool

	// UpSwitchMinBuffer is the buffered media required before stepping up
	// to a higher bitrate. Zero disables the check.
	UpSwitchMinBuffer time.Duration

	// AllowAudioOnly lets audio-only variants be selected. Set for the
	// audio rendition selector.
	AllowAudioOnly bool

	Logger *slog.Logger
}

// DefaultConfig returns the default selection policy.
func DefaultConfig() Config {
	return Config{
		CorruptLimit:      3,
		Cooldown:          time.Second,
		StrictHeadroom:    true,
		UpSwitchMinBuffer: 10 * time.Second,
	}
}

// Selector picks variants from a list ordered by descending bandwidth.
type Selector struct {
	cfg        Config
	variants   []*variant.Variant
	lastSwitch time.Time
	logger     *slog.Logger
}

// NewSelector creates a selector over variants, which must be ordered by
// descending bandwidth.
func NewSelector(cfg Config, variants []*variant.Variant) *Selector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CorruptLimit <= 0 {
		cfg.CorruptLimit = DefaultConfig().CorruptLimit
	}
	return &Selector{
		cfg:      cfg,
		variants: variants,
		logger:   cfg.Logger,
	}
}

// Variants returns the variants in selection order.
func (s *Selector) Variants() []*variant.Variant { return s.variants }

// CorruptLimit returns the configured corruption limit.
func (s *Selector) CorruptLimit() int { return s.cfg.CorruptLimit }

func (s *Selector) eligible(v *variant.Variant) bool {
	if v.AudioOnly && !s.cfg.AllowAudioOnly {
		return false
	}
	return v.Usable(s.cfg.CorruptLimit)
}

func (s *Selector) fits(v *variant.Variant, bw int64) bool {
	if s.cfg.StrictHeadroom {
		return int64(v.Bandwidth) < bw
	}
	return int64(v.Bandwidth) <= bw
}

// Default picks the startup variant: the lowest bitrate eligible variant,
// preferring the lowest corruption counter.
func (s *Selector) Default() (*variant.Variant, error) {
	var best *variant.Variant
	for i := len(s.variants) - 1; i >= 0; i-- {
		v := s.variants[i]
		if !s.eligible(v) {
			continue
		}
		if best == nil || v.Corrupt < best.Corrupt {
			best = v
		}
	}
	if best == nil {
		return nil, ErrNoFunctionalStreams
	}
	return best, nil
}

// Select picks the variant for bandwidth bw. Candidates must fit below bw;
// among them the lowest corruption counter wins, then the highest bitrate.
// Without a candidate the lowest bitrate eligible variant is used.
func (s *Selector) Select(bw int64) (*variant.Variant, error) {
	var best *variant.Variant
	for _, v := range s.variants {
		if !s.eligible(v) || !s.fits(v, bw) {
			continue
		}
		if best == nil || v.Corrupt < best.Corrupt {
			best = v
		}
	}
	if best != nil {
		return best, nil
	}

	for i := len(s.variants) - 1; i >= 0; i-- {
		if s.eligible(s.variants[i]) {
			return s.variants[i], nil
		}
	}
	return nil, ErrNoFunctionalStreams
}

// Ready reports whether the cooldown since the last switch has passed.
func (s *Selector) Ready(now time.Time) bool {
	return now.Sub(s.lastSwitch) >= s.cfg.Cooldown
}

// Check runs the bandwidth driven re-selection. It returns the variant to
// switch to, or nil to stay on current. buffered is the media currently
// queued downstream.
func (s *Selector) Check(now time.Time, current *variant.Variant, bw int64, buffered time.Duration) (*variant.Variant, error) {
	if !s.Ready(now) {
		return nil, nil
	}

	v, err := s.Select(bw)
	if err != nil {
		return nil, err
	}
	if v == current {
		return nil, nil
	}

	if current != nil && v.Bandwidth > current.Bandwidth && buffered < s.cfg.UpSwitchMinBuffer {
		s.logger.Debug("holding back step up, buffer too small",
			"from", current.Bandwidth,
			"to", v.Bandwidth,
			"buffered", buffered,
		)
		s.lastSwitch = now
		return nil, nil
	}

	s.lastSwitch = now
	s.logger.Info("bandwidth switch",
		"from", bandwidthOf(current),
		"to", v.Bandwidth,
		"estimate", bw,
	)
	return v, nil
}

// Fail records a failure of v and re-selects immediately, ignoring the
// cooldown. The fallback is the most conservative usable variant.
func (s *Selector) Fail(now time.Time, v *variant.Variant) (*variant.Variant, error) {
	if v != nil {
		v.MarkCorrupt()
		s.logger.Warn("variant failed",
			"variant", v.Name,
			"corrupt", v.Corrupt,
			"limit", s.cfg.CorruptLimit,
		)
	}
	s.lastSwitch = now
	return s.Select(0)
}

// Disqualify excludes v for the rest of the session and re-selects.
func (s *Selector) Disqualify(now time.Time, v *variant.Variant) (*variant.Variant, error) {
	v.Disqualify(s.cfg.CorruptLimit)
	s.logger.Warn("variant disqualified", "variant", v.Name)
	s.lastSwitch = now
	return s.Select(0)
}

// Switched restarts the cooldown, for switches not decided by Check.
func (s *Selector) Switched(now time.Time) { s.lastSwitch = now }

func bandwidthOf(v *variant.Variant) int {
	if v == nil {
		return 0
	}
	return v.Bandwidth
}
