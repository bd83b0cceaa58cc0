package hls

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"live-ingest/internal/media/mediatest"
	"live-ingest/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	closed atomic.Value
}

func (*recordingPublisher) ID() string { return "rec" }
func (p *recordingPublisher) Close(err error) {
	p.closed.Store(err)
}

func TestManager_publish_lifecycle(t *testing.T) {
	reg := stream.NewRegistry(stream.Options{GOPCache: true}, testLogger())
	bus := stream.NewBus(testLogger())
	events := bus.Subscribe(8)
	store := NewInMemoryStore()
	repo := NewManifestRepository(store, 3, RetentionPolicy{MaxCount: 3})
	mg := NewManager(reg, repo, store, 3*time.Second, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mg.Run(ctx, events)

	pub := &recordingPublisher{}
	sess, err := reg.RegisterPublisher("live/cam", pub)
	require.NoError(t, err)
	sess.Publish(mediatest.VideoConfig(0))
	bus.Emit(stream.PublishStarted{Key: "live/cam", Session: sess, At: time.Now()})

	require.Eventually(t, func() bool { return sess.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	for start := uint32(0); start <= 6000; start += 3000 {
		for _, msg := range mediatest.GOP(start, 90, 30) {
			sess.Publish(msg)
		}
	}
	require.Eventually(t, func() bool { return repo.SegmentCount("live/cam") == 2 }, 2*time.Second, 5*time.Millisecond)

	reg.Unregister("live/cam", pub)
	require.Eventually(t, func() bool { return !mg.Running("live/cam") }, 2*time.Second, 5*time.Millisecond)

	info, ok := repo.Info("live/cam")
	require.True(t, ok)
	assert.True(t, info.Ended)
	assert.Equal(t, 3, info.Segments, "open segment flushed on unpublish")
	assert.Contains(t, store.Playlist("live/cam"), "#EXT-X-ENDLIST")
	assert.Nil(t, pub.closed.Load())
}

func TestManager_mux_error_closes_publisher(t *testing.T) {
	reg := stream.NewRegistry(stream.Options{}, testLogger())
	store := NewInMemoryStore()
	repo := NewManifestRepository(store, 3, RetentionPolicy{})
	mg := NewManager(reg, repo, store, 3*time.Second, testLogger(), nil)

	pub := &recordingPublisher{}
	sess, err := reg.RegisterPublisher("live/raw", pub)
	require.NoError(t, err)
	mg.Start(context.Background(), "live/raw")
	require.Eventually(t, func() bool { return sess.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// A video frame with no sequence header ahead of it.
	sess.Publish(mediatest.VideoFrame(0, true))
	mg.Wait()

	require.Eventually(t, func() bool { return pub.closed.Load() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, pub.closed.Load().(error), ErrMux)
}

func TestManager_Run_publish_after_event_burst(t *testing.T) {
	reg := stream.NewRegistry(stream.Options{GOPCache: true}, testLogger())
	bus := stream.NewBus(testLogger())
	defer bus.Close()
	events := bus.SubscribeAll()
	store := NewInMemoryStore()
	repo := NewManifestRepository(store, 3, RetentionPolicy{})
	mg := NewManager(reg, repo, store, 3*time.Second, testLogger(), nil)

	pub := &recordingPublisher{}
	sess, err := reg.RegisterPublisher("live/cam", pub)
	require.NoError(t, err)

	// more events than any fixed consumer buffer before the manager reads one
	for i := 0; i < 1024; i++ {
		bus.Emit(stream.ConnectionOpened{ConnID: "c", At: time.Now()})
	}
	bus.Emit(stream.PublishStarted{Key: "live/cam", Session: sess, At: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mg.Run(ctx, events)

	require.Eventually(t, func() bool { return mg.Running("live/cam") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sess.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	reg.Unregister("live/cam", pub)
}

func TestManager_Wait_flushes_before_cancel(t *testing.T) {
	reg := stream.NewRegistry(stream.Options{}, testLogger())
	store := NewInMemoryStore()
	repo := NewManifestRepository(store, 3, RetentionPolicy{})
	mg := NewManager(reg, repo, store, 3*time.Second, testLogger(), nil)

	pub := &recordingPublisher{}
	sess, err := reg.RegisterPublisher("live/cam", pub)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	mg.Start(ctx, "live/cam")
	require.Eventually(t, func() bool { return sess.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	sess.Publish(mediatest.VideoConfig(0))
	for _, msg := range mediatest.GOP(0, 45, 30) {
		sess.Publish(msg)
	}

	// server shutdown order: publishers first, then muxers, then cancel
	reg.Unregister("live/cam", pub)
	mg.Wait()
	cancel()

	info, ok := repo.Info("live/cam")
	require.True(t, ok)
	assert.True(t, info.Ended)
	assert.Equal(t, 1, info.Segments, "open segment kept at shutdown")
}
