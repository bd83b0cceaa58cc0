package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Options configures sessions created by the registry.
type Options struct {
	// GOPCache enables fast-start from the last keyframe.
	GOPCache bool
	// SubscriberBuffer is the backpressure watermark, in messages.
	SubscriberBuffer int
	// OnSlowConsumer is called when a subscriber is dropped for falling behind.
	OnSlowConsumer func(key string)
}

// DefaultSubscriberBuffer is used when Options.SubscriberBuffer is not positive.
const DefaultSubscriberBuffer = 1024

// Key builds a stream key from an application and stream name.
func Key(app, name string) (string, error) {
	app = strings.Trim(app, "/")
	name = strings.Trim(name, "/")
	if app == "" || name == "" || strings.Contains(name, "..") || strings.Contains(app, "..") {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidKey, app, name)
	}
	return app + "/" + name, nil
}

// Registry maps stream keys to their publishing Session. The map lock is
// held only for lookups and swaps; per-stream work runs under each Session's
// own lock so independent keys proceed concurrently.
type Registry struct {
	log  *slog.Logger
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
	waiters  map[string][]chan struct{}
}

// NewRegistry returns an empty registry. If log is nil, slog.Default() is used.
func NewRegistry(opts Options, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Registry{
		log:      log.With("component", "stream-registry"),
		opts:     opts,
		sessions: make(map[string]*Session),
		waiters:  make(map[string][]chan struct{}),
	}
}

// RegisterPublisher creates the Session for key. It fails with ErrKeyInUse
// when another publisher holds the key; the existing session is untouched.
func (r *Registry) RegisterPublisher(key string, p Publisher) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[key]; ok {
		r.log.Warn("publish rejected, key in use",
			"stream_key", key,
			"publisher_id", p.ID(),
			"current_publisher_id", cur.publisher.ID())
		return nil, fmt.Errorf("%w: %s", ErrKeyInUse, key)
	}

	s := newSession(key, p, r.opts, r.log)
	r.sessions[key] = s
	for _, ch := range r.waiters[key] {
		close(ch)
	}
	delete(r.waiters, key)

	r.log.Info("publisher registered", "stream_key", key, "publisher_id", p.ID())
	return s, nil
}

// Unregister removes key if it is still held by p and detaches all of its
// subscribers. It reports whether a session was removed.
func (r *Registry) Unregister(key string, p Publisher) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok && s.publisher != p {
		ok = false
	}
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	n := s.close()
	r.log.Info("publisher unregistered", "stream_key", key, "publisher_id", p.ID(), "detached_subscribers", n)
	return true
}

// Lookup returns the active session for key.
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// AttachSubscriber attaches a new subscriber to the active session for key.
func (r *Registry) AttachSubscriber(key, id string) (*Subscriber, *Session, error) {
	s, ok := r.Lookup(key)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	sub, err := s.subscribe(id)
	if err != nil {
		// lost a race with Unregister
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	r.log.Debug("subscriber attached", "stream_key", key, "subscriber_id", id)
	return sub, s, nil
}

// DetachSubscriber removes sub from the session for key, if still attached.
func (r *Registry) DetachSubscriber(key string, sub *Subscriber) {
	s, ok := r.Lookup(key)
	if !ok {
		return
	}
	if s.unsubscribe(sub) {
		r.log.Debug("subscriber detached", "stream_key", key, "subscriber_id", sub.id)
	}
}

// WaitForPublisher returns the session for key, waiting up to timeout for a
// publisher to appear. A non-positive timeout does not wait.
func (r *Registry) WaitForPublisher(ctx context.Context, key string, timeout time.Duration) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return s, nil
	}
	if timeout <= 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	ch := make(chan struct{})
	r.waiters[key] = append(r.waiters[key], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		if s, ok := r.Lookup(key); ok {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case <-timer.C:
	case <-ctx.Done():
	}

	r.removeWaiter(key, ch)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: %s after %s", ErrNotFound, key, timeout)
}

func (r *Registry) removeWaiter(key string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiters[key]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.waiters, key)
	} else {
		r.waiters[key] = list
	}
}

// ClosePublisher asks the publisher of key to close with err. Used by the
// mux path when a stream can no longer be segmented.
func (r *Registry) ClosePublisher(key string, err error) bool {
	s, ok := r.Lookup(key)
	if !ok {
		return false
	}
	r.log.Warn("closing publisher", "stream_key", key, "publisher_id", s.publisher.ID(), "error", err)
	s.publisher.Close(err)
	return true
}

// Keys returns the active stream keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ActiveCount returns the number of publishing streams. Used for metrics.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
