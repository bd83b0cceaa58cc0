package rtmp

import (
	"fmt"

	"live-ingest/internal/message"

	"github.com/nareix/joy4/utils/bits/pio"
)

const (
	// DefaultChunkSize is the chunk size both peers start with.
	DefaultChunkSize = 128
	// MaxChunkSize is the largest value SetChunkSize may carry (top bit clear).
	MaxChunkSize = 0x7FFFFFFF

	extendedTimestamp = 0xFFFFFF
)

// Message header length by chunk format (type 0..3).
var messageHeaderSize = [4]int{11, 7, 3, 0}

// ChunkHeader is a fully resolved chunk header. Fields elided by header
// compression are filled in from the previous chunk on the same chunk stream.
type ChunkHeader struct {
	Format        uint8
	ChunkStreamID uint32
	// Timestamp is absolute, after applying any delta.
	Timestamp uint32
	Delta     uint32
	Length    uint32
	TypeID    message.TypeID
	StreamID  uint32
	Extended  bool
}

// Chunk is one decoded chunk. Payload aliases the decoder's input buffer.
type Chunk struct {
	Header  ChunkHeader
	Payload []byte
	// Start is set on the first chunk of a message.
	Start bool
	// Remaining is the number of message bytes still expected after this chunk.
	Remaining uint32
}

type chunkStreamState struct {
	header ChunkHeader
	// baseFormat is the format of the last type 0/1/2 header, which decides
	// how a type 3 chunk that starts a new message computes its timestamp.
	baseFormat uint8
	remaining  uint32
}

// ChunkDecoder decodes chunks from a byte buffer, tracking per chunk stream
// state for header compression. It is not safe for concurrent use.
type ChunkDecoder struct {
	chunkSize uint32
	streams   map[uint32]*chunkStreamState
}

// NewChunkDecoder returns a decoder using DefaultChunkSize.
func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{
		chunkSize: DefaultChunkSize,
		streams:   make(map[uint32]*chunkStreamState),
	}
}

// ChunkSize returns the current inbound chunk size.
func (d *ChunkDecoder) ChunkSize() uint32 {
	return d.chunkSize
}

// SetChunkSize applies a peer SetChunkSize.
func (d *ChunkDecoder) SetChunkSize(size uint32) error {
	if size == 0 || size > MaxChunkSize {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, size)
	}
	d.chunkSize = size
	return nil
}

// Abort discards the partially received message on csid.
func (d *ChunkDecoder) Abort(csid uint32) {
	if st, ok := d.streams[csid]; ok {
		st.remaining = 0
	}
}

// Decode decodes one chunk from the front of b and returns it with the number
// of bytes consumed. ErrNeedMoreData means b ends mid-chunk; no state is
// changed in that case and the caller retries with a longer buffer.
func (d *ChunkDecoder) Decode(b []byte) (Chunk, int, error) {
	if len(b) < 1 {
		return Chunk{}, 0, ErrNeedMoreData
	}
	format := b[0] >> 6
	csid := uint32(b[0] & 0x3f)
	n := 1
	switch csid {
	case 0:
		if len(b) < 2 {
			return Chunk{}, 0, ErrNeedMoreData
		}
		csid = uint32(b[1]) + 64
		n = 2
	case 1:
		if len(b) < 3 {
			return Chunk{}, 0, ErrNeedMoreData
		}
		csid = uint32(b[2])<<8 + uint32(b[1]) + 64
		n = 3
	}

	prev, known := d.streams[csid]
	var st chunkStreamState
	if known {
		st = *prev
	} else if format != 0 {
		return Chunk{}, 0, fmt.Errorf("%w: format %d on chunk stream %d", ErrAssembly, format, csid)
	}
	if format != 3 && st.remaining != 0 {
		return Chunk{}, 0, fmt.Errorf("%w: new header on chunk stream %d with %d bytes pending",
			ErrMalformedChunk, csid, st.remaining)
	}

	h := st.header
	h.Format = format
	h.ChunkStreamID = csid

	hsize := messageHeaderSize[format]
	if len(b) < n+hsize {
		return Chunk{}, 0, ErrNeedMoreData
	}
	mh := b[n : n+hsize]
	n += hsize

	var ts uint32
	if format <= 2 {
		ts = pio.U24BE(mh[0:3])
		h.Extended = ts == extendedTimestamp
	}
	if format <= 1 {
		h.Length = pio.U24BE(mh[3:6])
		h.TypeID = message.TypeID(mh[6])
	}
	if format == 0 {
		h.StreamID = pio.U32LE(mh[7:11])
	}
	// Type 3 chunks repeat the extended field of the header they inherit.
	if h.Extended {
		if len(b) < n+4 {
			return Chunk{}, 0, ErrNeedMoreData
		}
		ts = pio.U32BE(b[n : n+4])
		n += 4
	}

	start := st.remaining == 0
	if start {
		switch format {
		case 0:
			h.Timestamp = ts
			h.Delta = 0
			st.baseFormat = 0
		case 1, 2:
			h.Delta = ts
			h.Timestamp += ts
			st.baseFormat = format
		case 3:
			if st.baseFormat == 0 {
				if h.Extended {
					h.Timestamp = ts
				}
			} else {
				if h.Extended {
					h.Delta = ts
				}
				h.Timestamp += h.Delta
			}
		}
		st.remaining = h.Length
	}

	size := st.remaining
	if size > d.chunkSize {
		size = d.chunkSize
	}
	if uint32(len(b)-n) < size {
		return Chunk{}, 0, ErrNeedMoreData
	}
	payload := b[n : n+int(size)]
	n += int(size)
	st.remaining -= size
	st.header = h

	if !known {
		prev = &chunkStreamState{}
		d.streams[csid] = prev
	}
	*prev = st

	return Chunk{Header: h, Payload: payload, Start: start, Remaining: st.remaining}, n, nil
}
