package hls

import "time"

// Segment is one finished MPEG-TS slice of a stream.
type Segment struct {
	Sequence      int64     `json:"sequence"`
	Duration      float64   `json:"duration"`
	Path          string    `json:"path"`
	CreatedAt     time.Time `json:"created_at"`
	Discontinuity bool      `json:"discontinuity,omitempty"`
}

// manifestState is the repository's record of one stream key.
// Segments is ordered by sequence and always contiguous.
type manifestState struct {
	Key            string
	Segments       []Segment
	TargetDuration int
	Ended          bool
	UpdatedAt      time.Time
	nextSequence   int64

	// pins counts open leases per sequence; doomed holds evicted sequences
	// whose files are still pinned by a reader.
	pins   map[int64]int
	doomed map[int64]struct{}
}

func newManifestState(key string, target int) *manifestState {
	return &manifestState{
		Key:            key,
		TargetDuration: target,
		UpdatedAt:      time.Now().UTC(),
		pins:           make(map[int64]int),
		doomed:         make(map[int64]struct{}),
	}
}

func (m *manifestState) snapshot() []Segment {
	out := make([]Segment, len(m.Segments))
	copy(out, m.Segments)
	return out
}

func (m *manifestState) contains(seq int64) bool {
	for _, seg := range m.Segments {
		if seg.Sequence == seq {
			return true
		}
	}
	return false
}
