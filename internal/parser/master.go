package parser

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/agleyzer/hlsplay/internal/variant"
)

// Rendition is an #EXT-X-MEDIA entry.
type Rendition struct {
	Type       string
	GroupID    string
	Name       string
	Language   string
	URI        string
	Default    bool
	AutoSelect bool
}

// Master is a parsed master playlist. A plain media playlist parses into a
// Master with one variant named "single" pointing back at the same URL.
type Master struct {
	// Variants are ordered by descending bandwidth
	Variants []*variant.Variant

	// Audio holds the AUDIO renditions that have their own playlist
	Audio []*variant.Variant

	// Renditions lists every #EXT-X-MEDIA entry, played or not
	Renditions []Rendition

	// Skipped counts variants dropped for repeating a bandwidth
	Skipped int

	// Invalid counts variants and renditions dropped for an unusable URI
	Invalid int
}

// codecProfile maps known avc1 codec strings to H.264 profile and level.
var codecProfiles = []struct {
	name    string
	profile string
	level   string
}{
	// Baseline
	{"avc1.42001e", "Baseline", "3.0"},
	{"avc1.66.30", "Baseline", "3.0"},
	{"avc1.42001f", "Baseline", "3.1"},

	// Main
	{"avc1.4d001e", "Main", "3.0"},
	{"avc1.77.30", "Main", "3.0"},
	{"avc1.4d001f", "Main", "3.1"},
	{"avc1.4d0028", "Main", "4.0"},

	// High
	{"avc1.64001f", "High", "3.1"},
	{"avc1.640028", "High", "4.0"},
	{"avc1.640029", "High", "4.1"},
}

// ParseMaster parses a master playlist fetched from baseURL.
func ParseMaster(text, baseURL string) (*Master, error) {
	if !IsPlaylist(text) {
		return nil, fmt.Errorf("%s: not an m3u playlist: %w", baseURL, ErrUnloadable)
	}

	m := &Master{}
	if !IsMaster(text) {
		m.Variants = []*variant.Variant{variant.New(singleVariantName, baseURL)}
		return m, nil
	}

	var pending *variant.Variant
	lines(text, func(line string) {
		switch {
		case strings.HasPrefix(line, tagMedia):
			m.addRendition(ParseAttributes(line[len(tagMedia):]), baseURL)
		case strings.HasPrefix(line, tagStreamInf):
			pending = parseStreamInf(ParseAttributes(line[len(tagStreamInf):]))
		case line[0] != '#':
			if pending == nil {
				return
			}
			u, err := resolveURL(baseURL, line)
			if err != nil {
				slog.Warn("skipping variant", "uri", line, "error", err)
				m.Invalid++
			} else {
				pending.URL = u
				m.addVariant(pending)
			}
			pending = nil
		}
	})

	if len(m.Variants) == 0 {
		return nil, fmt.Errorf("%s: master playlist contains no variants: %w", baseURL, ErrEmpty)
	}

	normalizeAudioOnly(m.Variants)
	return m, nil
}

func parseStreamInf(attrs Attributes) *variant.Variant {
	v := variant.New("", "")
	for _, a := range attrs {
		switch a.Key {
		case "BANDWIDTH":
			v.Bandwidth, _ = strconv.Atoi(a.Value)
		case "AUDIO":
			v.AudioGroup = a.Value
		case "SUBS":
			v.SubsGroup = a.Value
		case "PROGRAM-ID":
			v.ProgramID, _ = strconv.Atoi(a.Value)
		case "CODECS":
			v.Codecs = a.Value
			if !strings.Contains(a.Value, "avc1") {
				v.AudioOnly = true
			}
			for _, c := range codecProfiles {
				if strings.Contains(a.Value, c.name) {
					v.Profile, v.Level = c.profile, c.level
					break
				}
			}
		case "RESOLUTION":
			if w, h, ok := strings.Cut(a.Value, "x"); ok {
				v.Width, _ = strconv.Atoi(w)
				v.Height, _ = strconv.Atoi(h)
			}
		}
	}
	return v
}

// addVariant inserts v keeping descending bandwidth order, dropping
// variants whose bandwidth is already listed.
func (m *Master) addVariant(v *variant.Variant) {
	if v.Bandwidth != 0 {
		for _, existing := range m.Variants {
			if existing.Bandwidth == v.Bandwidth {
				m.Skipped++
				return
			}
		}
	}
	if v.Name == "" {
		v.Name = fmt.Sprintf("bitrate %d", v.Bandwidth)
	}

	i := sort.Search(len(m.Variants), func(i int) bool {
		return m.Variants[i].Bandwidth < v.Bandwidth
	})
	m.Variants = append(m.Variants, nil)
	copy(m.Variants[i+1:], m.Variants[i:])
	m.Variants[i] = v
}

func (m *Master) addRendition(attrs Attributes, baseURL string) {
	r := Rendition{
		Type:       attrs.Value("TYPE"),
		GroupID:    attrs.Value("GROUP-ID"),
		Name:       attrs.Value("NAME"),
		Language:   attrs.Value("LANGUAGE"),
		URI:        attrs.Value("URI"),
		Default:    attrs.Value("DEFAULT") == attributeYes,
		AutoSelect: attrs.Value("AUTOSELECT") == attributeYes,
	}
	if r.Type == "" {
		return
	}
	m.Renditions = append(m.Renditions, r)

	if r.Type != renditionTypeAudio || r.URI == "" {
		return
	}

	u, err := resolveURL(baseURL, r.URI)
	if err != nil {
		slog.Warn("skipping audio rendition", "name", r.Name, "uri", r.URI, "error", err)
		m.Invalid++
		return
	}
	name := r.Name
	if name == "" {
		name = defaultAudioGroupTag
	}
	v := variant.New(name, u)
	v.AudioOnly = true
	v.AudioGroup = r.GroupID
	v.Language = r.Language
	v.Default = r.Default
	m.Audio = append(m.Audio, v)
}

// normalizeAudioOnly clears the audio-only flag when every variant has it:
// a master that declares no video codec anywhere most likely just omitted
// the CODECS attribute.
func normalizeAudioOnly(variants []*variant.Variant) {
	for _, v := range variants {
		if !v.AudioOnly {
			return
		}
	}
	for _, v := range variants {
		v.AudioOnly = false
	}
}
