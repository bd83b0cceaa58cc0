// Package mediatest builds FLV-style audio/video messages for tests.
package mediatest

import "live-ingest/internal/message"

// SPS and PPS of a 320x240 H.264 baseline stream.
var (
	SPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x0a, 0x0f, 0xc8}
	PPS = []byte{0x68, 0xce, 0x3c, 0x80}
	// AACConfig is AAC-LC, 44.1kHz, stereo.
	AACConfig = []byte{0x12, 0x10}
)

// AVCRecord returns an AVCDecoderConfigurationRecord holding SPS and PPS.
func AVCRecord() []byte {
	b := []byte{0x01, SPS[1], SPS[2], SPS[3], 0xff, 0xe1, 0x00, byte(len(SPS))}
	b = append(b, SPS...)
	b = append(b, 0x01, 0x00, byte(len(PPS)))
	return append(b, PPS...)
}

// VideoConfig returns an AVC sequence header message.
func VideoConfig(ts uint32) *message.Message {
	payload := append([]byte{0x17, 0x00, 0x00, 0x00, 0x00}, AVCRecord()...)
	return &message.Message{TypeID: message.TypeIDVideoMessage, Timestamp: ts, StreamID: 1, Payload: payload}
}

// VideoFrame returns a one-NALU AVC frame; keyframes carry an IDR slice.
func VideoFrame(ts uint32, key bool) *message.Message {
	flags, nal := byte(0x27), byte(0x41)
	if key {
		flags, nal = 0x17, 0x65
	}
	payload := []byte{flags, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x05, nal, 0x88, 0x84, 0x00, 0x10}
	return &message.Message{TypeID: message.TypeIDVideoMessage, Timestamp: ts, StreamID: 1, Payload: payload}
}

// AudioConfig returns an AAC sequence header message.
func AudioConfig(ts uint32) *message.Message {
	payload := append([]byte{0xaf, 0x00}, AACConfig...)
	return &message.Message{TypeID: message.TypeIDAudioMessage, Timestamp: ts, StreamID: 1, Payload: payload}
}

// AudioFrame returns a raw AAC frame message.
func AudioFrame(ts uint32) *message.Message {
	payload := []byte{0xaf, 0x01, 0x21, 0x00, 0x49, 0x90, 0x02, 0x19, 0x00, 0x23, 0x80}
	return &message.Message{TypeID: message.TypeIDAudioMessage, Timestamp: ts, StreamID: 1, Payload: payload}
}

// Metadata returns an onMetaData data message with an AMF0 null body.
func Metadata(ts uint32) *message.Message {
	payload := []byte{0x02, 0x00, 0x0a, 'o', 'n', 'M', 'e', 't', 'a', 'D', 'a', 't', 'a', 0x05}
	return &message.Message{TypeID: message.TypeIDDataMessageAMF0, Timestamp: ts, StreamID: 1, Payload: payload}
}

// GOP returns a keyframe followed by frames-1 delta frames spaced by 1000/fps ms.
func GOP(startMs uint32, frames, fps int) []*message.Message {
	out := make([]*message.Message, 0, frames)
	for i := 0; i < frames; i++ {
		ts := startMs + uint32(i*1000/fps)
		out = append(out, VideoFrame(ts, i == 0))
	}
	return out
}
