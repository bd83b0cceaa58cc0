package rtmp

import (
	"errors"
	"fmt"
	"io"

	"live-ingest/internal/message"
)

// maxPendingMessages bounds the partial messages one connection may hold.
const maxPendingMessages = 64

// Assembler joins chunk payloads into complete messages. Partial messages on
// different chunk streams progress independently.
type Assembler struct {
	pending map[uint32]*message.Message
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[uint32]*message.Message)}
}

// Push adds a chunk and returns the completed message, or nil while the
// message on that chunk stream is still incomplete.
func (a *Assembler) Push(c Chunk) (*message.Message, error) {
	csid := c.Header.ChunkStreamID
	m, inProgress := a.pending[csid]

	if c.Start {
		if inProgress {
			return nil, fmt.Errorf("%w: chunk stream %d restarted mid-message", ErrMalformedChunk, csid)
		}
		if c.Remaining > 0 && len(a.pending) >= maxPendingMessages {
			return nil, fmt.Errorf("%w: more than %d partial messages", ErrMalformedChunk, maxPendingMessages)
		}
		// The declared length is untrusted; the payload grows with the data received.
		m = &message.Message{
			ChunkStreamID: csid,
			Timestamp:     c.Header.Timestamp,
			TypeID:        c.Header.TypeID,
			StreamID:      c.Header.StreamID,
			Payload:       make([]byte, 0, len(c.Payload)),
		}
	} else if !inProgress {
		return nil, fmt.Errorf("%w: chunk stream %d", ErrAssembly, csid)
	}

	m.Payload = append(m.Payload, c.Payload...)
	if c.Remaining > 0 {
		a.pending[csid] = m
		return nil, nil
	}

	delete(a.pending, csid)
	if uint32(len(m.Payload)) != c.Header.Length {
		return nil, fmt.Errorf("%w: chunk stream %d assembled %d of %d bytes",
			ErrMalformedChunk, csid, len(m.Payload), c.Header.Length)
	}
	return m, nil
}

// Abort drops the partial message on csid.
func (a *Assembler) Abort(csid uint32) {
	delete(a.pending, csid)
}

// Pending returns the number of chunk streams with a message in progress.
func (a *Assembler) Pending() int {
	return len(a.pending)
}

const (
	initialReadBuffer = 64 * 1024
	// A single chunk never carries more than one 24-bit-length message.
	maxReadBuffer = 1<<24 + 64
)

// MessageReader reads complete messages from a byte stream.
type MessageReader struct {
	r          io.Reader
	dec        *ChunkDecoder
	asm        *Assembler
	buf        []byte
	start, end int
	bytesRead  uint64
}

// NewMessageReader wraps r.
func NewMessageReader(r io.Reader) *MessageReader {
	return &MessageReader{
		r:   r,
		dec: NewChunkDecoder(),
		asm: NewAssembler(),
		buf: make([]byte, initialReadBuffer),
	}
}

// SetChunkSize applies a peer SetChunkSize to the inbound side.
func (mr *MessageReader) SetChunkSize(size uint32) error {
	return mr.dec.SetChunkSize(size)
}

// Abort discards the partial message on csid.
func (mr *MessageReader) Abort(csid uint32) {
	mr.dec.Abort(csid)
	mr.asm.Abort(csid)
}

// BytesRead returns the total number of bytes read from the stream.
func (mr *MessageReader) BytesRead() uint64 {
	return mr.bytesRead
}

// ReadMessage blocks until a complete message is available.
func (mr *MessageReader) ReadMessage() (*message.Message, error) {
	for {
		if mr.start < mr.end {
			c, n, err := mr.dec.Decode(mr.buf[mr.start:mr.end])
			if err == nil {
				mr.start += n
				m, err := mr.asm.Push(c)
				if err != nil {
					return nil, err
				}
				if m != nil {
					return m, nil
				}
				continue
			}
			if !errors.Is(err, ErrNeedMoreData) {
				return nil, err
			}
		}
		if err := mr.fill(); err != nil {
			return nil, err
		}
	}
}

func (mr *MessageReader) fill() error {
	if mr.start > 0 {
		copy(mr.buf, mr.buf[mr.start:mr.end])
		mr.end -= mr.start
		mr.start = 0
	}
	if mr.end == len(mr.buf) {
		if len(mr.buf) >= maxReadBuffer {
			return fmt.Errorf("%w: chunk exceeds %d bytes", ErrMalformedChunk, maxReadBuffer)
		}
		grown := make([]byte, min(2*len(mr.buf), maxReadBuffer))
		copy(grown, mr.buf[:mr.end])
		mr.buf = grown
	}
	n, err := mr.r.Read(mr.buf[mr.end:])
	mr.end += n
	mr.bytesRead += uint64(n)
	if n > 0 {
		return nil
	}
	if err == nil {
		return io.ErrNoProgress
	}
	return err
}
