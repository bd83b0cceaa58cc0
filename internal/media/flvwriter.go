package media

import (
	"bufio"
	"io"

	"live-ingest/internal/message"

	"github.com/nareix/joy4/format/flv"
)

// FLVWriter turns relayed messages into an FLV byte stream for HTTP-FLV
// players. The header is written once codec configuration is known and the
// first decodable frame arrives; the timeline starts at zero.
type FLVWriter struct {
	bw      *bufio.Writer
	mux     *flv.Muxer
	params  Params
	clock   Clock
	started bool
	origin  int64
}

// NewFLVWriter writes to w.
func NewFLVWriter(w io.Writer) *FLVWriter {
	bw := bufio.NewWriter(w)
	return &FLVWriter{bw: bw, mux: flv.NewMuxerWriteFlusher(bw)}
}

// WriteMessage consumes one relayed message. Messages that cannot be placed
// yet (before configuration or before the first keyframe) are skipped.
func (fw *FLVWriter) WriteMessage(m *message.Message) error {
	t, err := Inspect(m)
	if err != nil {
		return err
	}
	if t.Kind != KindVideo && t.Kind != KindAudio {
		return nil
	}
	ms := fw.clock.Extend(m.Timestamp)

	if t.SequenceHeader {
		if fw.started {
			return nil
		}
		return fw.params.Update(t)
	}

	if !fw.started {
		if fw.params.Empty() {
			return nil
		}
		if fw.params.Video != nil && !(t.Kind == KindVideo && t.Keyframe) {
			return nil
		}
		if err := fw.mux.WriteHeader(fw.params.Streams()); err != nil {
			return err
		}
		fw.started = true
		fw.origin = ms
	}

	idx := fw.params.Index(t.Kind)
	if idx < 0 {
		return nil
	}
	if ms < fw.origin {
		ms = fw.origin
	}
	if err := fw.mux.WritePacket(Packet(t, idx, ms-fw.origin)); err != nil {
		return err
	}
	return fw.bw.Flush()
}

// Close writes the FLV trailer if a header was written.
func (fw *FLVWriter) Close() error {
	if !fw.started {
		return nil
	}
	return fw.mux.WriteTrailer()
}
