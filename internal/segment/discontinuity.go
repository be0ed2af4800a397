package segment

import (
	"time"

	"github.com/agleyzer/hlsplay/internal/media"
)

// Discontinuity groups the segments between two #EXT-X-DISCONTINUITY
// markers. Offset relates the container timestamps of the group to the
// reconciled pipeline clock and is resolved on the first decodable packet.
type Discontinuity struct {
	Seq    int
	Offset time.Duration
}

// Resolved reports whether the offset is known.
func (d *Discontinuity) Resolved() bool { return d.Offset != media.NoTimestamp }

// Registry hands out one Discontinuity per discontinuity sequence for the
// whole session, so every variant refers to the same group object.
type Registry struct {
	groups map[int]*Discontinuity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[int]*Discontinuity)}
}

// Get returns the group for seq, creating it on first reference. Group 0
// starts resolved with a zero offset.
func (r *Registry) Get(seq int) *Discontinuity {
	if d, ok := r.groups[seq]; ok {
		return d
	}
	d := &Discontinuity{Seq: seq, Offset: media.NoTimestamp}
	if seq == 0 {
		d.Offset = 0
	}
	r.groups[seq] = d
	return d
}

// Reset forgets every resolved offset except group 0. Used after a seek,
// when the reference timestamps are no longer meaningful.
func (r *Registry) Reset() {
	for seq, d := range r.groups {
		if seq != 0 {
			d.Offset = media.NoTimestamp
		}
	}
}

// Len returns the number of known groups.
func (r *Registry) Len() int { return len(r.groups) }
