package hls

import (
	"io"
	"sync"
)

// Lease is a consistent snapshot of one manifest. Every segment listed in
// the lease stays readable until Release is called.
type Lease struct {
	repo  *ManifestRepository
	state *manifestState
	once  sync.Once
	done  bool
	mu    sync.Mutex

	Key            string
	Segments       []Segment
	TargetDuration int
	Ended          bool
}

// Playlist renders the snapshot as an HLS playlist.
func (l *Lease) Playlist() string {
	return BuildLivePlaylist(l.Segments, l.TargetDuration, l.Ended)
}

// Contains reports whether seq is part of the snapshot.
func (l *Lease) Contains(seq int64) bool {
	for _, seg := range l.Segments {
		if seg.Sequence == seq {
			return true
		}
	}
	return false
}

// Open returns the bytes of a segment in the snapshot.
func (l *Lease) Open(seq int64) (io.ReadCloser, error) {
	l.mu.Lock()
	released := l.done
	l.mu.Unlock()
	if released {
		return nil, ErrLeaseReleased
	}
	if !l.Contains(seq) {
		return nil, ErrSegmentNotFound
	}
	return l.repo.store.OpenSegment(l.Key, seq)
}

// Release unpins the snapshot. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
		l.repo.release(l)
	})
}
