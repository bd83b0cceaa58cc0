// Package apperr defines the error taxonomy shared by the ingest pipeline.
// Every failure is scoped to a connection or a stream key; Kind tells the
// caller which scope to tear down.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the scope it affects.
type Kind int

const (
	KindUnknown Kind = iota
	// KindProtocol is a malformed handshake, chunk or message. The connection is closed.
	KindProtocol
	// KindConflict is a duplicate publish on an active key. Only the new attempt is rejected.
	KindConflict
	// KindNotFound is a play request for a key with no publisher.
	KindNotFound
	// KindResource is a storage failure on the mux path of one stream.
	KindResource
	// KindSlowConsumer disconnects a single subscriber.
	KindSlowConsumer
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindResource:
		return "resource"
	case KindSlowConsumer:
		return "slow_consumer"
	default:
		return "unknown"
	}
}

// Error is a coded error carrying its Kind.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

// New returns a sentinel error value.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so wrapped copies compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
