package rtmp

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"live-ingest/internal/message"

	"github.com/nareix/joy4/utils/bits/pio"
)

// Chunk stream ids used for outbound messages.
const (
	csidControl uint32 = 2
	csidCommand uint32 = 3
	csidAudio   uint32 = 4
	csidData    uint32 = 5
	csidVideo   uint32 = 6
)

// chunkStreamFor picks the outbound chunk stream for a message type.
func chunkStreamFor(t message.TypeID) uint32 {
	switch {
	case t.IsControl():
		return csidControl
	case t == message.TypeIDAudioMessage:
		return csidAudio
	case t == message.TypeIDVideoMessage:
		return csidVideo
	case t.IsData():
		return csidData
	default:
		return csidCommand
	}
}

func appendBasicHeader(dst []byte, format uint8, csid uint32) []byte {
	switch {
	case csid < 64:
		return append(dst, format<<6|byte(csid))
	case csid < 320:
		return append(dst, format<<6, byte(csid-64))
	default:
		v := csid - 64
		return append(dst, format<<6|1, byte(v), byte(v>>8))
	}
}

// EncodeMessage appends m to dst as a type 0 chunk followed by type 3
// continuations of at most chunkSize payload bytes each.
func EncodeMessage(dst []byte, csid uint32, m *message.Message, chunkSize uint32) []byte {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	extended := m.Timestamp >= extendedTimestamp

	var hdr [11]byte
	if extended {
		pio.PutU24BE(hdr[0:3], extendedTimestamp)
	} else {
		pio.PutU24BE(hdr[0:3], m.Timestamp)
	}
	pio.PutU24BE(hdr[3:6], uint32(len(m.Payload)))
	hdr[6] = byte(m.TypeID)
	pio.PutU32LE(hdr[7:11], m.StreamID)

	var ext [4]byte
	pio.PutU32BE(ext[:], m.Timestamp)

	dst = appendBasicHeader(dst, 0, csid)
	dst = append(dst, hdr[:]...)
	if extended {
		dst = append(dst, ext[:]...)
	}

	payload := m.Payload
	for first := true; first || len(payload) > 0; first = false {
		if !first {
			dst = appendBasicHeader(dst, 3, csid)
			if extended {
				dst = append(dst, ext[:]...)
			}
		}
		size := len(payload)
		if uint32(size) > chunkSize {
			size = int(chunkSize)
		}
		dst = append(dst, payload[:size]...)
		payload = payload[size:]
	}
	return dst
}

// ChunkWriter serializes outbound messages onto a connection. It is safe for
// concurrent use; each message is written and flushed atomically.
type ChunkWriter struct {
	mu        sync.Mutex
	w         *bufio.Writer
	chunkSize uint32
	buf       []byte
}

// NewChunkWriter returns a writer using DefaultChunkSize.
func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{
		w:         bufio.NewWriterSize(w, 64*1024),
		chunkSize: DefaultChunkSize,
	}
}

// ChunkSize returns the outbound chunk size.
func (cw *ChunkWriter) ChunkSize() uint32 {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.chunkSize
}

// WriteMessage writes m on the chunk stream matching its type.
func (cw *ChunkWriter) WriteMessage(m *message.Message) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.writeLocked(chunkStreamFor(m.TypeID), m)
}

// WriteSetChunkSize announces size to the peer and then switches to it, so
// no chunk is ever written with a size the peer has not been told about.
func (cw *ChunkWriter) WriteSetChunkSize(size uint32) error {
	if size == 0 || size > MaxChunkSize {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, size)
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if err := cw.writeLocked(csidControl, newSetChunkSize(size)); err != nil {
		return err
	}
	cw.chunkSize = size
	return nil
}

func (cw *ChunkWriter) writeLocked(csid uint32, m *message.Message) error {
	cw.buf = EncodeMessage(cw.buf[:0], csid, m, cw.chunkSize)
	if _, err := cw.w.Write(cw.buf); err != nil {
		return err
	}
	return cw.w.Flush()
}
