package hls

import "live-ingest/internal/apperr"

var (
	// ErrMux reports malformed or missing codec configuration on the mux path.
	ErrMux = apperr.New(apperr.KindProtocol, "mux_error", "cannot mux stream")

	// ErrStorage reports a failed segment or playlist write.
	ErrStorage = apperr.New(apperr.KindResource, "storage_error", "segment storage failed")

	// ErrManifestNotFound is returned when no manifest exists for a key.
	ErrManifestNotFound = apperr.New(apperr.KindNotFound, "manifest_not_found", "no manifest for stream")

	// ErrSegmentNotFound is returned for a sequence outside the reader's snapshot.
	ErrSegmentNotFound = apperr.New(apperr.KindNotFound, "segment_not_found", "segment not in manifest")

	// ErrLeaseReleased is returned when a released lease is used.
	ErrLeaseReleased = apperr.New(apperr.KindUnknown, "lease_released", "manifest lease already released")
)
