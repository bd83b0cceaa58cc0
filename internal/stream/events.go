package stream

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a lifecycle notification emitted by connection sessions.
type Event interface {
	EventName() string
}

// ConnectionOpened is emitted after the handshake completes.
type ConnectionOpened struct {
	ConnID     string
	RemoteAddr string
	At         time.Time
}

// ConnectionClosed is emitted when a connection is torn down.
type ConnectionClosed struct {
	ConnID string
	Err    error
	At     time.Time
}

// PublishStarted is emitted once a publisher owns a stream key.
type PublishStarted struct {
	ConnID  string
	Key     string
	Session *Session
	At      time.Time
}

// PublishStopped is emitted when a publisher releases its key.
type PublishStopped struct {
	ConnID string
	Key    string
	Err    error
	At     time.Time
}

// PlayStarted is emitted when a player is attached.
type PlayStarted struct {
	ConnID string
	Key    string
	At     time.Time
}

// PlayStopped is emitted when a player detaches.
type PlayStopped struct {
	ConnID string
	Key    string
	Err    error
	At     time.Time
}

func (ConnectionOpened) EventName() string { return "connection_opened" }
func (ConnectionClosed) EventName() string { return "connection_closed" }
func (PublishStarted) EventName() string   { return "publish_started" }
func (PublishStopped) EventName() string   { return "publish_stopped" }
func (PlayStarted) EventName() string      { return "play_started" }
func (PlayStopped) EventName() string      { return "play_stopped" }

// Bus fans lifecycle events out to consumers. Emit never blocks. A
// Subscribe consumer whose buffer is full misses the event; a SubscribeAll
// consumer queues it without bound.
type Bus struct {
	log    *slog.Logger
	mu     sync.RWMutex
	subs   []chan Event
	queues []*eventQueue
	done   chan struct{}
	closed bool
}

// NewBus returns an empty bus. If log is nil, slog.Default() is used.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log.With("component", "event-bus"), done: make(chan struct{})}
}

// Subscribe registers a lossy consumer with the given buffer.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// SubscribeAll registers a consumer that receives every event in order,
// however far it falls behind. Events still queued at Close are discarded.
func (b *Bus) SubscribeAll() <-chan Event {
	q := &eventQueue{out: make(chan Event), wake: make(chan struct{}, 1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(q.out)
		return q.out
	}
	b.queues = append(b.queues, q)
	go q.pump(b.done)
	return q.out
}

// Emit delivers e to every consumer.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, q := range b.queues {
		q.push(e)
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Warn("event dropped, consumer buffer full", "event", e.EventName())
		}
	}
}

// Close closes every consumer channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.queues = nil
}

type eventQueue struct {
	mu    sync.Mutex
	items []Event
	wake  chan struct{}
	out   chan Event
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return e, true
}

func (q *eventQueue) pump(done <-chan struct{}) {
	defer close(q.out)
	for {
		e, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-done:
				return
			}
		}
		select {
		case q.out <- e:
		case <-done:
			return
		}
	}
}
