package hls

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Repository defines the concurrency-safe contract for the per-stream
// manifests. The muxer of a stream is its only writer; HTTP readers and the
// sweeper go through leases and eviction so that a reader never resolves a
// manifest entry whose file has already been removed.
type Repository interface {
	// Open prepares the manifest for a new publish of key and returns the next
	// sequence number. resumed is true if the key had a manifest already.
	Open(key string) (next int64, resumed bool, err error)

	// Append records a finished segment whose bytes are already in storage and
	// applies the retention policy. It returns the number of evicted segments.
	Append(key string, seg Segment) (evicted int, err error)

	// Snapshot returns a lease pinning the current segments of key.
	Snapshot(key string) (*Lease, error)

	// End marks the manifest as finished. The playlist gets #EXT-X-ENDLIST.
	End(key string) error

	// Evict applies the retention policy at now.
	Evict(key string, now time.Time) (evicted int, err error)

	// Remove drops the manifest and its storage.
	Remove(key string) error

	// Info reports the manifest summary for key.
	Info(key string) (ManifestInfo, bool)

	// Keys lists known stream keys in sorted order.
	Keys() []string

	// SegmentCount returns the number of live segments for key.
	SegmentCount(key string) int
}

// RetentionPolicy bounds a manifest by count and by age. Zero disables a bound.
type RetentionPolicy struct {
	MaxCount int
	MaxAge   time.Duration
}

// ManifestInfo summarises one manifest for the sweeper and status API.
type ManifestInfo struct {
	Segments  int
	Ended     bool
	UpdatedAt time.Time
}

// ErrStreamEnded is returned when appending to a manifest that has been ended.
var ErrStreamEnded = errors.New("stream has ended")

// ManifestRepository is a concurrency-safe implementation of Repository.
// It uses a Store for segment and playlist bytes.
type ManifestRepository struct {
	mu        sync.RWMutex
	manifests map[string]*manifestState
	// retired keeps the next sequence of removed manifests so a republished
	// key never reuses a file name a released lease may still delete.
	retired map[string]int64
	store   Store
	policy    RetentionPolicy
	target    int
	now       func() time.Time
}

// NewManifestRepository constructs a repository over store. target is the
// configured segment duration in seconds.
func NewManifestRepository(store Store, target int, policy RetentionPolicy) *ManifestRepository {
	return &ManifestRepository{
		manifests: make(map[string]*manifestState),
		retired:   make(map[string]int64),
		store:     store,
		policy:    policy,
		target:    target,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Open implements Repository.Open.
func (r *ManifestRepository) Open(key string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, resumed := r.manifests[key]
	if !resumed {
		st = newManifestState(key, r.target)
		st.nextSequence = r.retired[key]
		delete(r.retired, key)
		r.manifests[key] = st
	}
	st.Ended = false
	st.UpdatedAt = r.now()
	if err := r.writePlaylistLocked(st); err != nil {
		return 0, resumed, err
	}
	return st.nextSequence, resumed, nil
}

// Append implements Repository.Append.
func (r *ManifestRepository) Append(key string, seg Segment) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.manifests[key]
	if !ok {
		return 0, ErrManifestNotFound
	}
	if st.Ended {
		return 0, ErrStreamEnded
	}
	// Sequences only move forward; a stale one is ignored to keep the list contiguous.
	if seg.Sequence < st.nextSequence {
		return 0, nil
	}

	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = r.now()
	}
	if seg.Path == "" {
		seg.Path = SegmentName(seg.Sequence)
	}
	st.Segments = append(st.Segments, seg)
	st.nextSequence = seg.Sequence + 1
	st.UpdatedAt = r.now()

	return r.evictLocked(st, r.now())
}

// Snapshot implements Repository.Snapshot.
func (r *ManifestRepository) Snapshot(key string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.manifests[key]
	if !ok {
		return nil, ErrManifestNotFound
	}
	segs := st.snapshot()
	for _, seg := range segs {
		st.pins[seg.Sequence]++
	}
	return &Lease{
		repo:           r,
		state:          st,
		Key:            key,
		Segments:       segs,
		TargetDuration: st.TargetDuration,
		Ended:          st.Ended,
	}, nil
}

// End implements Repository.End. Ending an unknown key is a no-op.
func (r *ManifestRepository) End(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.manifests[key]
	if !ok || st.Ended {
		return nil
	}
	st.Ended = true
	st.UpdatedAt = r.now()
	return r.writePlaylistLocked(st)
}

// Evict implements Repository.Evict.
func (r *ManifestRepository) Evict(key string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.manifests[key]
	if !ok {
		return 0, ErrManifestNotFound
	}
	return r.evictLocked(st, now)
}

// Remove implements Repository.Remove. Pinned files are removed when their
// last lease is released.
func (r *ManifestRepository) Remove(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.manifests[key]
	if !ok {
		return nil
	}
	delete(r.manifests, key)
	r.retired[key] = st.nextSequence

	pinned := false
	var errs []error
	for _, seg := range st.Segments {
		if st.pins[seg.Sequence] > 0 {
			st.doomed[seg.Sequence] = struct{}{}
			pinned = true
			continue
		}
		if err := r.store.RemoveSegment(key, seg.Sequence); err != nil {
			errs = append(errs, err)
		}
	}
	st.Segments = nil
	if len(st.doomed) > 0 {
		pinned = true
	}
	if !pinned {
		if err := r.store.RemoveStream(key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrStorage, key, err)
	}
	return nil
}

// Info implements Repository.Info.
func (r *ManifestRepository) Info(key string) (ManifestInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.manifests[key]
	if !ok {
		return ManifestInfo{}, false
	}
	return ManifestInfo{Segments: len(st.Segments), Ended: st.Ended, UpdatedAt: st.UpdatedAt}, true
}

// Keys implements Repository.Keys.
func (r *ManifestRepository) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.manifests))
	for key := range r.manifests {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// SegmentCount implements Repository.SegmentCount and stream.SegmentCounter.
func (r *ManifestRepository) SegmentCount(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if st, ok := r.manifests[key]; ok {
		return len(st.Segments)
	}
	return 0
}

// RemoveOrphans deletes stored streams that have no manifest and were last
// modified before cutoff, such as leftovers from a previous run.
func (r *ManifestRepository) RemoveOrphans(cutoff time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.store.ListStreams()
	if err != nil {
		return nil, fmt.Errorf("%w: list streams: %w", ErrStorage, err)
	}
	var removed []string
	var errs []error
	for _, s := range stored {
		if _, ok := r.manifests[s.Key]; ok || !s.ModTime.Before(cutoff) {
			continue
		}
		if err := r.store.RemoveStream(s.Key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Key, err))
			continue
		}
		removed = append(removed, s.Key)
	}
	return removed, errors.Join(errs...)
}

// evictLocked drops the oldest segments outside the retention policy. The
// manifest entries and the on-disk playlist are updated before any file is
// deleted; files pinned by a lease are deleted on release instead.
// Caller must hold r.mu in write mode.
func (r *ManifestRepository) evictLocked(st *manifestState, now time.Time) (int, error) {
	n := 0
	for n < len(st.Segments) && r.expired(st, n, now) {
		n++
	}
	if n == 0 {
		return 0, r.writePlaylistLocked(st)
	}

	evicted := slices.Clone(st.Segments[:n])
	st.Segments = slices.Delete(st.Segments, 0, n)

	var errs []error
	if err := r.writePlaylistLocked(st); err != nil {
		errs = append(errs, err)
	}
	for _, seg := range evicted {
		if st.pins[seg.Sequence] > 0 {
			st.doomed[seg.Sequence] = struct{}{}
			continue
		}
		if err := r.store.RemoveSegment(st.Key, seg.Sequence); err != nil {
			errs = append(errs, fmt.Errorf("%w: remove segment %d: %w", ErrStorage, seg.Sequence, err))
		}
	}
	return n, errors.Join(errs...)
}

// expired reports whether segment i falls outside the policy.
func (r *ManifestRepository) expired(st *manifestState, i int, now time.Time) bool {
	remaining := len(st.Segments) - i
	if r.policy.MaxCount > 0 && remaining > r.policy.MaxCount {
		return true
	}
	return r.policy.MaxAge > 0 && now.Sub(st.Segments[i].CreatedAt) > r.policy.MaxAge
}

// writePlaylistLocked rewrites the stored playlist. Caller must hold r.mu.
func (r *ManifestRepository) writePlaylistLocked(st *manifestState) error {
	body := BuildLivePlaylist(st.Segments, st.TargetDuration, st.Ended)
	if err := r.store.WritePlaylist(st.Key, []byte(body)); err != nil {
		return fmt.Errorf("%w: write playlist %s: %w", ErrStorage, st.Key, err)
	}
	return nil
}

// release unpins the lease's segments and removes any that were evicted
// while pinned.
func (r *ManifestRepository) release(l *Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := l.state
	for _, seg := range l.Segments {
		seq := seg.Sequence
		if st.pins[seq]--; st.pins[seq] > 0 {
			continue
		}
		delete(st.pins, seq)
		if _, ok := st.doomed[seq]; ok {
			delete(st.doomed, seq)
			if cur, live := r.manifests[l.Key]; live && cur != st && cur.contains(seq) {
				continue
			}
			_ = r.store.RemoveSegment(l.Key, seq)
		}
	}
}
