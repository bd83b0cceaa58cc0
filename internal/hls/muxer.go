package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"live-ingest/internal/media"
	"live-ingest/internal/message"
	"live-ingest/internal/platform/metrics"
	"live-ingest/internal/stream"

	"github.com/nareix/joy4/format/ts"
)

// DefaultTargetDuration is the segment length used when none is configured.
const DefaultTargetDuration = 3 * time.Second

// Muxer cuts the relay of one stream into MPEG-TS segments. A segment is
// closed only on a keyframe once the target duration has elapsed, so every
// segment starts with a keyframe. A Muxer is driven by a single goroutine.
type Muxer struct {
	key     string
	repo    Repository
	store   Store
	target  time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	params        media.Params
	clock         media.Clock
	cur           *segmentBuilder
	next          int64
	discontinuity bool
}

type segmentBuilder struct {
	buf     bytes.Buffer
	mux     *ts.Muxer
	seq     int64
	startMs int64
	lastMs  int64
}

// NewMuxer returns a Muxer for key that numbers segments from next.
// discontinuity marks the first segment, for a key that is being republished.
func NewMuxer(key string, next int64, discontinuity bool, repo Repository, store Store, target time.Duration, log *slog.Logger, m *metrics.Metrics) *Muxer {
	if target <= 0 {
		target = DefaultTargetDuration
	}
	return &Muxer{
		key:           key,
		repo:          repo,
		store:         store,
		target:        target,
		log:           log.With(slog.String("stream", key)),
		metrics:       m,
		now:           func() time.Time { return time.Now().UTC() },
		next:          next,
		discontinuity: discontinuity,
	}
}

// Run feeds sub into the muxer until the subscription closes or ctx ends.
// It returns the subscriber's close reason, ctx.Err() or a mux/storage error.
// The pending segment is flushed when the publisher goes away.
func (m *Muxer) Run(ctx context.Context, sub *stream.Subscriber) error {
	for {
		select {
		case <-ctx.Done():
			m.Reset()
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				err := sub.Err()
				if errors.Is(err, stream.ErrSlowConsumer) {
					return err
				}
				if ferr := m.Flush(); ferr != nil {
					return ferr
				}
				return err
			}
			if err := m.WriteMessage(msg); err != nil {
				return err
			}
		}
	}
}

// WriteMessage consumes one relayed message.
func (m *Muxer) WriteMessage(msg *message.Message) error {
	tag, err := media.Inspect(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMux, err)
	}
	if tag.Kind != media.KindVideo && tag.Kind != media.KindAudio {
		return nil
	}
	ms := m.clock.Extend(msg.Timestamp)

	if tag.SequenceHeader {
		if err := m.params.Update(tag); err != nil {
			return fmt.Errorf("%w: %w", ErrMux, err)
		}
		// New parameters need a new PMT, so the open segment ends here.
		if m.cur != nil {
			if err := m.finish(ms); err != nil {
				return err
			}
		}
		return nil
	}

	idx := m.params.Index(tag.Kind)
	if idx < 0 {
		if tag.Kind == media.KindVideo {
			return fmt.Errorf("%w: video frame before video configuration", ErrMux)
		}
		// Audio without a supported configuration is not carried.
		return nil
	}

	boundary := m.params.Video == nil || (tag.Kind == media.KindVideo && tag.Keyframe)
	switch {
	case m.cur == nil && !boundary:
		// Wait for a keyframe to open the first segment.
		return nil
	case m.cur != nil && boundary && time.Duration(ms-m.cur.startMs)*time.Millisecond >= m.target:
		if err := m.finish(ms); err != nil {
			return err
		}
	}
	if m.cur == nil {
		if err := m.start(ms); err != nil {
			return err
		}
	}

	if err := m.cur.mux.WritePacket(media.Packet(tag, idx, ms)); err != nil {
		return fmt.Errorf("%w: write packet: %w", ErrMux, err)
	}
	m.cur.lastMs = ms
	return nil
}

// Flush closes the open segment at the last written timestamp. A segment
// holding a single instant is dropped.
func (m *Muxer) Flush() error {
	if m.cur == nil {
		return nil
	}
	if m.cur.lastMs <= m.cur.startMs {
		m.cur = nil
		return nil
	}
	return m.finish(m.cur.lastMs)
}

// Reset discards the open segment and codec state and marks the next
// segment as a discontinuity. Used when the relay was interrupted; the
// next subscription re-delivers the sequence headers.
func (m *Muxer) Reset() {
	m.cur = nil
	m.params = media.Params{}
	m.clock = media.Clock{}
	m.discontinuity = true
}

func (m *Muxer) start(ms int64) error {
	b := &segmentBuilder{seq: m.next, startMs: ms, lastMs: ms}
	b.mux = ts.NewMuxer(&b.buf)
	if err := b.mux.WriteHeader(m.params.Streams()); err != nil {
		return fmt.Errorf("%w: ts header: %w", ErrMux, err)
	}
	m.cur = b
	return nil
}

// finish writes the open segment to storage and appends it to the manifest.
func (m *Muxer) finish(endMs int64) error {
	b := m.cur
	m.cur = nil
	if err := b.mux.WriteTrailer(); err != nil {
		return fmt.Errorf("%w: ts trailer: %w", ErrMux, err)
	}

	if err := m.store.WriteSegment(m.key, b.seq, b.buf.Bytes()); err != nil {
		return fmt.Errorf("%w: write segment %d: %w", ErrStorage, b.seq, err)
	}
	seg := Segment{
		Sequence:      b.seq,
		Duration:      (time.Duration(endMs-b.startMs) * time.Millisecond).Seconds(),
		Path:          SegmentName(b.seq),
		CreatedAt:     m.now(),
		Discontinuity: m.discontinuity,
	}
	evicted, err := m.repo.Append(m.key, seg)
	if errors.Is(err, ErrManifestNotFound) || errors.Is(err, ErrStreamEnded) {
		_ = m.store.RemoveSegment(m.key, b.seq)
		return fmt.Errorf("append segment %d: %w", b.seq, err)
	}
	if err != nil {
		// The segment is listed; only the playlist rewrite or an eviction failed.
		m.log.Warn("manifest update incomplete", slog.Int64("sequence", b.seq), slog.String("error", err.Error()))
	}
	m.next = b.seq + 1
	m.discontinuity = false

	m.log.Debug("segment written",
		slog.Int64("sequence", seg.Sequence),
		slog.Float64("duration", seg.Duration),
		slog.Int("bytes", b.buf.Len()),
		slog.Int("evicted", evicted))
	if m.metrics != nil {
		m.metrics.IncSegmentsWritten()
		m.metrics.AddSegmentsEvicted(evicted)
	}
	return nil
}
