package rtmp

import (
	"fmt"

	"live-ingest/internal/message"

	"github.com/nareix/joy4/utils/bits/pio"
)

// User control event types.
const (
	eventStreamBegin      uint16 = 0
	eventStreamEOF        uint16 = 1
	eventStreamDry        uint16 = 2
	eventSetBufferLength  uint16 = 3
	eventStreamIsRecorded uint16 = 4
	eventPingRequest      uint16 = 6
	eventPingResponse     uint16 = 7
)

// Set Peer Bandwidth limit types.
const (
	bandwidthLimitHard    byte = 0
	bandwidthLimitSoft    byte = 1
	bandwidthLimitDynamic byte = 2
)

// DefaultWindowAckSize is announced to peers after connect.
const DefaultWindowAckSize = 2500000

func controlMessage(t message.TypeID, payload []byte) *message.Message {
	return &message.Message{ChunkStreamID: csidControl, TypeID: t, Payload: payload}
}

func newSetChunkSize(size uint32) *message.Message {
	b := make([]byte, 4)
	pio.PutU32BE(b, size&MaxChunkSize)
	return controlMessage(message.TypeIDSetChunkSize, b)
}

func newWindowAckSize(size uint32) *message.Message {
	b := make([]byte, 4)
	pio.PutU32BE(b, size)
	return controlMessage(message.TypeIDWinAckSize, b)
}

func newSetPeerBandwidth(size uint32, limit byte) *message.Message {
	b := make([]byte, 5)
	pio.PutU32BE(b, size)
	b[4] = limit
	return controlMessage(message.TypeIDSetPeerBandwidth, b)
}

func newAck(sequence uint32) *message.Message {
	b := make([]byte, 4)
	pio.PutU32BE(b, sequence)
	return controlMessage(message.TypeIDAck, b)
}

func newUserControl(event uint16, values ...uint32) *message.Message {
	b := make([]byte, 2+4*len(values))
	pio.PutU16BE(b, event)
	for i, v := range values {
		pio.PutU32BE(b[2+4*i:], v)
	}
	return controlMessage(message.TypeIDUserCtrl, b)
}

// parseUint32 reads the 4-byte big-endian body of SetChunkSize, Ack and
// Window Acknowledgement Size.
func parseUint32(m *message.Message) (uint32, error) {
	if len(m.Payload) < 4 {
		return 0, fmt.Errorf("%w: type %d body of %d bytes", ErrMalformedChunk, m.TypeID, len(m.Payload))
	}
	return pio.U32BE(m.Payload), nil
}

// parseSetChunkSize validates a SetChunkSize body; the top bit must be zero.
func parseSetChunkSize(m *message.Message) (uint32, error) {
	v, err := parseUint32(m)
	if err != nil {
		return 0, err
	}
	if v&0x80000000 != 0 || v == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrInvalidChunkSize, v)
	}
	return v, nil
}

// parseUserControl returns the event type and its first 4-byte argument.
func parseUserControl(m *message.Message) (uint16, uint32, error) {
	if len(m.Payload) < 2 {
		return 0, 0, fmt.Errorf("%w: user control body of %d bytes", ErrMalformedChunk, len(m.Payload))
	}
	event := pio.U16BE(m.Payload)
	var arg uint32
	if len(m.Payload) >= 6 {
		arg = pio.U32BE(m.Payload[2:])
	}
	return event, arg, nil
}
