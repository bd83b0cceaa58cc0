package stream

import (
	"sync"

	"live-ingest/internal/message"
)

// Subscriber receives relayed messages for one stream. Its channel is closed
// when it is detached; Err then reports why.
type Subscriber struct {
	id   string
	ch   chan *message.Message
	once sync.Once
	err  error
}

func newSubscriber(id string, capacity int) *Subscriber {
	return &Subscriber{id: id, ch: make(chan *message.Message, capacity)}
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string {
	return s.id
}

// C returns the delivery channel.
func (s *Subscriber) C() <-chan *message.Message {
	return s.ch
}

// Err returns the detach reason. Only valid after C is closed; nil means a
// normal detach.
func (s *Subscriber) Err() error {
	return s.err
}

// offer delivers m without blocking. Caller must hold the owning Session lock.
func (s *Subscriber) offer(m *message.Message) bool {
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}

// close detaches the subscriber. Caller must hold the owning Session lock.
func (s *Subscriber) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ch)
	})
}
