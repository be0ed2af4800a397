package player

import (
	"fmt"

	"github.com/agleyzer/hlsplay/internal/demux"
	"github.com/agleyzer/hlsplay/internal/media"
	"github.com/agleyzer/hlsplay/internal/variant"
)

// AudioTrack is an audio stream the session can play: an alternative
// rendition with its own playlist, or an elementary stream muxed in the
// primary variant.
type AudioTrack struct {
	ID       int
	Name     string
	Language string
	Codec    string
	Group    string
	Default  bool

	// PID identifies a track muxed in the primary variant.
	PID uint16

	// Rendition is set for alternative renditions.
	Rendition *variant.Variant
}

// AudioTracks returns the audio tracks known so far. Muxed tracks appear
// once the primary demuxer has seen them.
func (s *Session) AudioTracks() []AudioTrack {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	return append([]AudioTrack(nil), s.tracks...)
}

// SelectedAudio returns the ID of the playing audio track, or -1.
func (s *Session) SelectedAudio() int {
	return s.pipe.AudioStream()
}

func (s *Session) track(id int) (AudioTrack, bool) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	for _, t := range s.tracks {
		if t.ID == id {
			return t, true
		}
	}
	return AudioTrack{}, false
}

// defaultAudioTrack picks the rendition to start with: the default one of
// the primary variant's audio group, else any of that group, else the
// first listed. It returns nil when the master has no audio renditions.
func (s *Session) defaultAudioTrack() *AudioTrack {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	group := ""
	if v := s.primary.current; v != nil {
		group = v.AudioGroup
	}

	var first, inGroup *AudioTrack
	for i := range s.tracks {
		t := &s.tracks[i]
		if t.Rendition == nil {
			continue
		}
		if first == nil {
			first = t
		}
		if group != "" && t.Group != group {
			continue
		}
		if t.Default {
			c := *t
			return &c
		}
		if inGroup == nil {
			inGroup = t
		}
	}
	for _, t := range []*AudioTrack{inGroup, first} {
		if t != nil {
			c := *t
			return &c
		}
	}
	return nil
}

// registerTrack is the demuxer track callback. Every stream read by the
// audio reader belongs to its rendition; streams of the primary variant
// are tracks of their own, keyed by PID.
func (r *reader) registerTrack(t demux.Track) int {
	if !r.primary && r.current != nil {
		if id := r.s.renditionTrack(r.current, t.Codec); id > 0 {
			return id
		}
	}
	return r.s.muxedTrack(t)
}

func (s *Session) renditionTrack(v *variant.Variant, codec string) int {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	for i := range s.tracks {
		if s.tracks[i].Rendition == v {
			if s.tracks[i].Codec == "" {
				s.tracks[i].Codec = codec
			}
			return s.tracks[i].ID
		}
	}
	return 0
}

func (s *Session) muxedTrack(t demux.Track) int {
	s.ctlMu.Lock()
	id := 0
	for _, at := range s.tracks {
		if at.Rendition == nil && at.PID == t.PID {
			id = at.ID
			break
		}
	}
	if id == 0 {
		id = len(s.tracks) + 1
		name := t.Language
		if name == "" {
			name = fmt.Sprintf("PID %d", t.PID)
		}
		s.tracks = append(s.tracks, AudioTrack{
			ID:       id,
			Name:     name,
			Language: t.Language,
			Codec:    t.Codec,
			PID:      t.PID,
		})
		s.logger.Info("audio track",
			"id", id,
			"pid", t.PID,
			"codec", t.Codec,
			"language", t.Language,
		)
	}
	s.ctlMu.Unlock()

	// without renditions the first muxed track plays
	if s.audioTrack < 0 && s.audio.current == nil {
		s.setAudioTrack(id)
	}
	return id
}

func (s *Session) setAudioTrack(id int) {
	s.audioTrack = id
	s.pipe.SelectAudio(id)
}

// followRendition selects the track of rendition v after the audio reader
// moved to it.
func (s *Session) followRendition(v *variant.Variant) {
	if id := s.renditionTrack(v, ""); id > 0 {
		s.setAudioTrack(id)
	}
}

// switchAudio changes the playing audio track.
func (s *Session) switchAudio(id int) {
	t, ok := s.track(id)
	if !ok {
		s.logger.Warn("no such audio track", "id", id)
		return
	}
	if id == s.audioTrack {
		return
	}
	s.logger.Info("switching audio track", "id", id, "name", t.Name)

	a := s.audio
	if a.current != nil {
		a.closeVariant()
	}
	a.pkt = nil

	if a.current != nil && t.Rendition == nil {
		// a track muxed in the primary variant needs the primary reader to
		// resynchronize
		s.primary.requested = s.primary.current
	} else {
		s.pipe.Merge(media.TypeAudio)
	}
	a.current = t.Rendition

	s.setAudioTrack(id)
	s.publish()
}
