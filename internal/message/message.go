// Package message holds the reassembled RTMP protocol unit shared by the
// protocol engine, the relay and the muxers.
package message

// TypeID is the RTMP message type id.
type TypeID byte

const (
	TypeIDSetChunkSize            TypeID = 1
	TypeIDAbortMessage            TypeID = 2
	TypeIDAck                     TypeID = 3
	TypeIDUserCtrl                TypeID = 4
	TypeIDWinAckSize              TypeID = 5
	TypeIDSetPeerBandwidth        TypeID = 6
	TypeIDAudioMessage            TypeID = 8
	TypeIDVideoMessage            TypeID = 9
	TypeIDDataMessageAMF3         TypeID = 15
	TypeIDSharedObjectMessageAMF3 TypeID = 16
	TypeIDCommandMessageAMF3      TypeID = 17
	TypeIDDataMessageAMF0         TypeID = 18
	TypeIDSharedObjectMessageAMF0 TypeID = 19
	TypeIDCommandMessageAMF0      TypeID = 20
	TypeIDAggregateMessage        TypeID = 22
)

// IsControl reports whether t is a protocol control message (types 1-6).
func (t TypeID) IsControl() bool {
	return t >= TypeIDSetChunkSize && t <= TypeIDSetPeerBandwidth
}

// IsMedia reports whether t carries audio or video.
func (t TypeID) IsMedia() bool {
	return t == TypeIDAudioMessage || t == TypeIDVideoMessage
}

// IsData reports whether t is a data (metadata) message.
func (t TypeID) IsData() bool {
	return t == TypeIDDataMessageAMF0 || t == TypeIDDataMessageAMF3
}

// IsCommand reports whether t is a command message.
func (t TypeID) IsCommand() bool {
	return t == TypeIDCommandMessageAMF0 || t == TypeIDCommandMessageAMF3
}

// Message is one complete protocol unit. Once emitted it is treated as
// immutable: the relay shares the same value between subscribers.
type Message struct {
	ChunkStreamID uint32
	// Timestamp is in milliseconds and wraps at 2^32.
	Timestamp uint32
	TypeID    TypeID
	StreamID  uint32
	Payload   []byte
}

// Len returns the payload length.
func (m *Message) Len() int {
	return len(m.Payload)
}
