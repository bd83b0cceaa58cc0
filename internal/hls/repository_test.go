package hls

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(policy RetentionPolicy) (*ManifestRepository, *InMemoryStore) {
	store := NewInMemoryStore()
	return NewManifestRepository(store, 3, policy), store
}

// appendSegment stores bytes for seq and appends it, as the muxer does.
func appendSegment(t *testing.T, repo *ManifestRepository, store Store, key string, seq int64, at time.Time) int {
	t.Helper()
	require.NoError(t, store.WriteSegment(key, seq, []byte{byte(seq)}))
	n, err := repo.Append(key, Segment{Sequence: seq, Duration: 3, CreatedAt: at})
	require.NoError(t, err)
	return n
}

func TestManifestRepository_Open(t *testing.T) {
	repo, store := newTestRepo(RetentionPolicy{})

	next, resumed, err := repo.Open("live/a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)
	assert.False(t, resumed)
	assert.Contains(t, store.Playlist("live/a"), "#EXT-X-MEDIA-SEQUENCE:0")

	appendSegment(t, repo, store, "live/a", 0, time.Now())
	appendSegment(t, repo, store, "live/a", 1, time.Now())
	require.NoError(t, repo.End("live/a"))
	assert.Contains(t, store.Playlist("live/a"), "#EXT-X-ENDLIST")

	t.Run("republish_continues_sequence", func(t *testing.T) {
		next, resumed, err := repo.Open("live/a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), next)
		assert.True(t, resumed)
		assert.NotContains(t, store.Playlist("live/a"), "#EXT-X-ENDLIST")
	})
}

func TestManifestRepository_Append(t *testing.T) {
	repo, store := newTestRepo(RetentionPolicy{})

	t.Run("unknown_key", func(t *testing.T) {
		_, err := repo.Append("live/missing", Segment{Sequence: 0})
		assert.True(t, errors.Is(err, ErrManifestNotFound))
	})

	_, _, err := repo.Open("live/a")
	require.NoError(t, err)
	appendSegment(t, repo, store, "live/a", 0, time.Now())

	t.Run("stale_sequence_ignored", func(t *testing.T) {
		_, err := repo.Append("live/a", Segment{Sequence: 0, Duration: 3})
		require.NoError(t, err)
		assert.Equal(t, 1, repo.SegmentCount("live/a"))
	})

	t.Run("after_end", func(t *testing.T) {
		require.NoError(t, repo.End("live/a"))
		_, err := repo.Append("live/a", Segment{Sequence: 1, Duration: 3})
		assert.True(t, errors.Is(err, ErrStreamEnded))
	})
}

func TestManifestRepository_count_retention(t *testing.T) {
	repo, store := newTestRepo(RetentionPolicy{MaxCount: 3})
	_, _, err := repo.Open("live/a")
	require.NoError(t, err)

	evicted := 0
	for seq := int64(0); seq < 5; seq++ {
		evicted += appendSegment(t, repo, store, "live/a", seq, time.Now())
	}
	assert.Equal(t, 2, evicted)
	assert.Equal(t, []int64{2, 3, 4}, store.Sequences("live/a"))

	playlist := store.Playlist("live/a")
	assert.Contains(t, playlist, "#EXT-X-MEDIA-SEQUENCE:2")
	assert.NotContains(t, playlist, "\n1.ts")
}

func TestManifestRepository_lease_pins_evicted_segments(t *testing.T) {
	repo, store := newTestRepo(RetentionPolicy{MaxCount: 2})
	_, _, err := repo.Open("live/a")
	require.NoError(t, err)
	appendSegment(t, repo, store, "live/a", 0, time.Now())
	appendSegment(t, repo, store, "live/a", 1, time.Now())

	lease, err := repo.Snapshot("live/a")
	require.NoError(t, err)

	// Segment 0 leaves the manifest but the reader still holds it.
	appendSegment(t, repo, store, "live/a", 2, time.Now())
	assert.Equal(t, 2, repo.SegmentCount("live/a"))
	assert.Equal(t, []int64{0, 1, 2}, store.Sequences("live/a"))

	rc, err := lease.Open(0)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, []byte{0}, data)

	_, err = lease.Open(2)
	assert.True(t, errors.Is(err, ErrSegmentNotFound), "segment 2 is newer than the snapshot")

	lease.Release()
	lease.Release()
	assert.Equal(t, []int64{1, 2}, store.Sequences("live/a"))

	_, err = lease.Open(1)
	assert.True(t, errors.Is(err, ErrLeaseReleased))
}

func TestManifestRepository_Evict_by_age(t *testing.T) {
	repo, store := newTestRepo(RetentionPolicy{MaxAge: time.Minute})
	_, _, err := repo.Open("live/a")
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	appendSegment(t, repo, store, "live/a", 0, base)
	appendSegment(t, repo, store, "live/a", 1, base.Add(50*time.Second))

	n, err := repo.Evict("live/a", base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, store.Sequences("live/a"))

	_, err = repo.Evict("live/missing", base)
	assert.True(t, errors.Is(err, ErrManifestNotFound))
}

func TestManifestRepository_Remove(t *testing.T) {
	repo, store := newTestRepo(RetentionPolicy{})
	_, _, err := repo.Open("live/a")
	require.NoError(t, err)
	appendSegment(t, repo, store, "live/a", 0, time.Now())
	appendSegment(t, repo, store, "live/a", 1, time.Now())

	lease, err := repo.Snapshot("live/a")
	require.NoError(t, err)
	require.NoError(t, repo.Remove("live/a"))

	_, ok := repo.Info("live/a")
	assert.False(t, ok)
	assert.Equal(t, []int64{0, 1}, store.Sequences("live/a"), "pinned files survive")

	lease.Release()
	assert.Empty(t, store.Sequences("live/a"))
}

func TestManifestRepository_Remove_then_republish(t *testing.T) {
	repo, store := newTestRepo(RetentionPolicy{})
	_, _, err := repo.Open("live/a")
	require.NoError(t, err)
	appendSegment(t, repo, store, "live/a", 0, time.Now())
	require.NoError(t, repo.End("live/a"))

	old, err := repo.Snapshot("live/a")
	require.NoError(t, err)
	require.NoError(t, repo.Remove("live/a"))

	next, resumed, err := repo.Open("live/a")
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, int64(1), next, "numbering continues past the removed manifest")
	appendSegment(t, repo, store, "live/a", next, time.Now())

	old.Release()

	lease, err := repo.Snapshot("live/a")
	require.NoError(t, err)
	defer lease.Release()
	require.Len(t, lease.Segments, 1)
	rc, err := lease.Open(next)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, []int64{next}, store.Sequences("live/a"))
}

func TestManifestRepository_release_keeps_live_segment(t *testing.T) {
	repo, store := newTestRepo(RetentionPolicy{})
	_, _, err := repo.Open("live/a")
	require.NoError(t, err)
	appendSegment(t, repo, store, "live/a", 0, time.Now())

	old, err := repo.Snapshot("live/a")
	require.NoError(t, err)
	require.NoError(t, repo.Remove("live/a"))

	// a manifest that reuses the number, as after a restart with the same key
	repo.mu.Lock()
	delete(repo.retired, "live/a")
	repo.mu.Unlock()
	next, _, err := repo.Open("live/a")
	require.NoError(t, err)
	require.Equal(t, int64(0), next)
	appendSegment(t, repo, store, "live/a", 0, time.Now())

	old.Release()
	assert.Equal(t, []int64{0}, store.Sequences("live/a"))
}

func TestManifestRepository_RemoveOrphans(t *testing.T) {
	repo, store := newTestRepo(RetentionPolicy{})
	require.NoError(t, store.WriteSegment("live/old", 0, []byte("x")))
	_, _, err := repo.Open("live/kept")
	require.NoError(t, err)

	removed, err := repo.RemoveOrphans(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"live/old"}, removed)
	assert.Equal(t, []string{"live/kept"}, repo.Keys())
}

func TestManifestRepository_concurrent_readers(t *testing.T) {
	repo, store := newTestRepo(RetentionPolicy{MaxCount: 2})
	_, _, err := repo.Open("live/a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	failures := make(chan string, 16)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				lease, err := repo.Snapshot("live/a")
				if err != nil {
					continue
				}
				for _, seg := range lease.Segments {
					rc, err := lease.Open(seg.Sequence)
					if err != nil {
						select {
						case failures <- err.Error():
						default:
						}
						continue
					}
					rc.Close()
				}
				lease.Release()
			}
		}()
	}

	for seq := int64(0); seq < 200; seq++ {
		appendSegment(t, repo, store, "live/a", seq, time.Now())
	}
	close(stop)
	wg.Wait()
	close(failures)

	var msgs []string
	for msg := range failures {
		msgs = append(msgs, msg)
	}
	assert.Empty(t, msgs, strings.Join(msgs, "; "))
	assert.Equal(t, []int64{198, 199}, store.Sequences("live/a"))
}
