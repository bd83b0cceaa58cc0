package stream

import (
	"log/slog"
	"sync"
	"time"

	"live-ingest/internal/media"
	"live-ingest/internal/message"
)

// maxGOPLength bounds the cache when keyframes stop arriving.
const maxGOPLength = 4096

// Publisher is the registry's weak view of a publishing connection: it can
// be identified and asked to close, nothing more.
type Publisher interface {
	ID() string
	Close(err error)
}

// Session is a published stream: its key, publisher, cached configuration,
// GOP cache and subscriber set. Publish is called only from the publisher's
// ingest path; every other method may be called concurrently.
type Session struct {
	key       string
	publisher Publisher
	createdAt time.Time
	log       *slog.Logger
	opts      Options

	mu          sync.RWMutex
	metadata    *message.Message
	videoConfig *message.Message
	audioConfig *message.Message
	params      media.Params
	hasVideo    bool
	gop         []*message.Message
	subscribers map[*Subscriber]struct{}
	closed      bool
}

func newSession(key string, p Publisher, opts Options, log *slog.Logger) *Session {
	return &Session{
		key:         key,
		publisher:   p,
		createdAt:   time.Now(),
		log:         log.With("stream_key", key),
		opts:        opts,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Key returns the stream key.
func (s *Session) Key() string { return s.key }

// Publisher returns the publishing connection.
func (s *Session) Publisher() Publisher { return s.publisher }

// CreatedAt returns when the publish started.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Params returns the codec parameters parsed so far.
func (s *Session) Params() media.Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// SubscriberCount returns the number of attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// GOP returns a copy of the cached group of pictures.
func (s *Session) GOP() []*message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*message.Message, len(s.gop))
	copy(out, s.gop)
	return out
}

// SetMetadata caches an onMetaData message and relays it.
func (s *Session) SetMetadata(m *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.metadata = m
	s.relayLocked(m)
}

// Publish ingests one audio/video message: it updates cached configuration,
// maintains the GOP cache and relays to every subscriber without blocking.
func (s *Session) Publish(m *message.Message) {
	tag, err := media.Inspect(m)
	if err != nil {
		s.log.Debug("dropping malformed media message", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch {
	case tag.SequenceHeader:
		if err := s.params.Update(tag); err != nil {
			s.log.Warn("codec configuration not usable", "error", err)
		}
		if tag.Kind == media.KindVideo {
			s.videoConfig = m
			s.hasVideo = true
		} else {
			s.audioConfig = m
		}
	case tag.Kind == media.KindVideo || tag.Kind == media.KindAudio:
		if tag.Kind == media.KindVideo {
			s.hasVideo = true
		}
		if s.opts.GOPCache {
			s.cacheLocked(m, tag)
		}
	}

	s.relayLocked(m)
}

func (s *Session) cacheLocked(m *message.Message, tag media.Tag) {
	if tag.Kind == media.KindVideo && tag.Keyframe {
		clear(s.gop)
		s.gop = s.gop[:0]
	}
	if s.hasVideo && len(s.gop) == 0 && !(tag.Kind == media.KindVideo && tag.Keyframe) {
		// nothing decodable is cached until the first keyframe
		return
	}
	if len(s.gop) >= maxGOPLength {
		if s.hasVideo {
			clear(s.gop)
			s.gop = s.gop[:0]
			return
		}
		s.gop = append(s.gop[:0], s.gop[1:]...)
	}
	s.gop = append(s.gop, m)
}

func (s *Session) relayLocked(m *message.Message) {
	for sub := range s.subscribers {
		if sub.offer(m) {
			continue
		}
		delete(s.subscribers, sub)
		sub.close(ErrSlowConsumer)
		s.log.Warn("subscriber disconnected, buffer full", "subscriber_id", sub.id)
		if s.opts.OnSlowConsumer != nil {
			s.opts.OnSlowConsumer(s.key)
		}
	}
}

// subscribe attaches a subscriber and queues the fast-start prefix
// (metadata, codec configuration, cached GOP) ahead of any live message.
func (s *Session) subscribe(id string) (*Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrPublisherClosed
	}

	prefix := make([]*message.Message, 0, 3+len(s.gop))
	for _, m := range []*message.Message{s.metadata, s.videoConfig, s.audioConfig} {
		if m != nil {
			prefix = append(prefix, m)
		}
	}
	prefix = append(prefix, s.gop...)

	sub := newSubscriber(id, s.opts.SubscriberBuffer+len(prefix))
	for _, m := range prefix {
		sub.offer(m)
	}
	s.subscribers[sub] = struct{}{}
	return sub, nil
}

func (s *Session) unsubscribe(sub *Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub]; !ok {
		return false
	}
	delete(s.subscribers, sub)
	sub.close(nil)
	return true
}

// close detaches every subscriber with ErrPublisherClosed.
func (s *Session) close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.closed = true
	n := len(s.subscribers)
	for sub := range s.subscribers {
		sub.close(ErrPublisherClosed)
	}
	clear(s.subscribers)
	clear(s.gop)
	s.gop = nil
	return n
}

// Closed reports whether the publisher has gone away.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Uptime returns the time since the publish started.
func (s *Session) Uptime() time.Duration {
	return time.Since(s.createdAt)
}
