package rtmp

import "live-ingest/internal/apperr"

var (
	// ErrNeedMoreData is returned by the decoder when the buffer ends mid-chunk.
	// It is not a failure: the caller reads more bytes and retries.
	ErrNeedMoreData = apperr.New(apperr.KindUnknown, "need_more_data", "need more data")

	// ErrMalformedChunk is returned when chunk header fields are inconsistent.
	ErrMalformedChunk = apperr.New(apperr.KindProtocol, "malformed_chunk", "malformed chunk")

	// ErrAssembly is returned when a continuation chunk arrives for a chunk
	// stream with no message in progress.
	ErrAssembly = apperr.New(apperr.KindProtocol, "assembly_error", "continuation for unknown chunk stream")

	// ErrInvalidChunkSize is returned for a SetChunkSize outside 1..0x7FFFFFFF.
	ErrInvalidChunkSize = apperr.New(apperr.KindProtocol, "invalid_chunk_size", "invalid chunk size")

	// ErrHandshake is returned when the handshake fails.
	ErrHandshake = apperr.New(apperr.KindProtocol, "handshake_error", "handshake failed")

	// ErrHandshakeVersion is returned when C0 is not version 3.
	ErrHandshakeVersion = apperr.New(apperr.KindProtocol, "handshake_version", "unsupported handshake version")

	// ErrHandshakeTimeout is returned when the peer does not finish the handshake in time.
	ErrHandshakeTimeout = apperr.New(apperr.KindProtocol, "handshake_timeout", "handshake timed out")

	// ErrMalformedCommand is returned when an AMF command cannot be decoded.
	ErrMalformedCommand = apperr.New(apperr.KindProtocol, "malformed_command", "malformed command")

	// ErrPublishConflict is returned when publish targets a key that already has a publisher.
	ErrPublishConflict = apperr.New(apperr.KindConflict, "publish_conflict", "stream key already publishing")

	// ErrUnauthorized is returned when publish targets a key outside the allow-list.
	ErrUnauthorized = apperr.New(apperr.KindConflict, "publish_unauthorized", "stream key not allowed")

	// ErrStreamNotFound is returned when play finds no publisher within the wait policy.
	ErrStreamNotFound = apperr.New(apperr.KindNotFound, "stream_not_found", "stream not found")

	// ErrPingTimeout is returned when the peer stays silent past the ping timeout.
	ErrPingTimeout = apperr.New(apperr.KindProtocol, "ping_timeout", "peer ping timeout")
)
