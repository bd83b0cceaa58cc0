package hls

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"live-ingest/internal/platform/metrics"
	"live-ingest/internal/stream"
)

// subscriberPrefix names the relay subscriber of a muxer.
const subscriberPrefix = "hls:"

// Manager starts one Muxer per published stream and tears the publisher
// down when its mux path fails.
type Manager struct {
	registry *stream.Registry
	repo     Repository
	store    Store
	target   time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	running map[string]*muxTask
	wg      sync.WaitGroup
}

type muxTask struct {
	cancel context.CancelFunc
	// again is set when the key was republished while the task was winding down.
	again bool
}

// NewManager returns a Manager writing segments of length target.
func NewManager(registry *stream.Registry, repo Repository, store Store, target time.Duration, log *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		registry: registry,
		repo:     repo,
		store:    store,
		target:   target,
		log:      log,
		metrics:  m,
		running:  make(map[string]*muxTask),
	}
}

// Run consumes lifecycle events until ctx ends or events closes, then waits
// for the running muxers to finish.
func (mg *Manager) Run(ctx context.Context, events <-chan stream.Event) {
	defer mg.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if ps, ok := e.(stream.PublishStarted); ok {
				mg.Start(ctx, ps.Key)
			}
		}
	}
}

// Start launches the muxer for key. If one is already running for an
// earlier publish, a new one follows when it returns.
func (mg *Manager) Start(ctx context.Context, key string) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if task, ok := mg.running[key]; ok {
		task.again = true
		return
	}
	mg.launchLocked(ctx, key)
}

func (mg *Manager) launchLocked(parent context.Context, key string) {
	ctx, cancel := context.WithCancel(parent)
	mg.running[key] = &muxTask{cancel: cancel}
	mg.wg.Add(1)

	go func() {
		defer mg.wg.Done()
		if err := mg.run(ctx, key); err != nil {
			mg.log.Error("hls mux failed", slog.String("stream", key), slog.String("error", err.Error()))
		}
		cancel()

		mg.mu.Lock()
		defer mg.mu.Unlock()
		task := mg.running[key]
		delete(mg.running, key)
		if task != nil && task.again && parent.Err() == nil {
			mg.launchLocked(parent, key)
		}
	}()
}

// Running reports whether a muxer is active for key.
func (mg *Manager) Running(key string) bool {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	_, ok := mg.running[key]
	return ok
}

// Wait blocks until all muxers have returned.
func (mg *Manager) Wait() {
	mg.wg.Wait()
}

func (mg *Manager) run(ctx context.Context, key string) error {
	next, resumed, err := mg.repo.Open(key)
	if err != nil {
		mg.registry.ClosePublisher(key, err)
		return err
	}
	defer func() {
		if err := mg.repo.End(key); err != nil {
			mg.log.Warn("end manifest", slog.String("stream", key), slog.String("error", err.Error()))
		}
	}()

	mux := NewMuxer(key, next, resumed, mg.repo, mg.store, mg.target, mg.log, mg.metrics)
	for {
		sub, sess, err := mg.registry.AttachSubscriber(key, subscriberPrefix+key)
		if err != nil {
			// The publisher left before the muxer attached.
			return nil
		}
		mg.log.Info("hls mux started", slog.String("stream", key), slog.Int64("next_sequence", next))

		err = mux.Run(ctx, sub)
		mg.registry.DetachSubscriber(key, sub)

		switch {
		case errors.Is(err, stream.ErrSlowConsumer):
			mg.log.Warn("hls mux fell behind, resyncing at next keyframe", slog.String("stream", key))
			mux.Reset()
			if sess.Closed() {
				return nil
			}
			continue
		case err == nil, errors.Is(err, stream.ErrPublisherClosed), errors.Is(err, context.Canceled):
			return nil
		default:
			// Mux and storage failures end the publish; the encoder has to reconnect.
			mg.registry.ClosePublisher(key, err)
			return err
		}
	}
}
