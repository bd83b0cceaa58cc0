package stream

import "live-ingest/internal/apperr"

var (
	// ErrKeyInUse is returned when a publisher already holds the stream key.
	ErrKeyInUse = apperr.New(apperr.KindConflict, "key_in_use", "stream key already has a publisher")

	// ErrNotFound is returned when no publisher is active for the key.
	ErrNotFound = apperr.New(apperr.KindNotFound, "stream_not_found", "no active publisher for stream key")

	// ErrSlowConsumer closes a subscriber whose buffer filled up.
	ErrSlowConsumer = apperr.New(apperr.KindSlowConsumer, "slow_consumer", "subscriber fell behind")

	// ErrPublisherClosed closes subscribers when the publisher goes away.
	ErrPublisherClosed = apperr.New(apperr.KindNotFound, "publisher_closed", "publisher closed")

	// ErrInvalidKey is returned for an empty app or stream name.
	ErrInvalidKey = apperr.New(apperr.KindProtocol, "invalid_stream_key", "invalid stream key")
)
