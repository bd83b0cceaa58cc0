// Package media inspects FLV-style audio/video message bodies and converts
// them into joy4 packets for the TS and FLV muxers.
package media

import (
	"errors"
	"fmt"

	"live-ingest/internal/message"

	"github.com/nareix/joy4/format/flv/flvio"
)

// ErrMalformedTag is returned for an audio/video body too short for its header.
var ErrMalformedTag = errors.New("malformed audio/video tag")

// Kind is the track a message belongs to.
type Kind int

const (
	KindOther Kind = iota
	KindVideo
	KindAudio
	KindData
)

// Tag describes an audio or video message body.
type Tag struct {
	Kind           Kind
	Keyframe       bool
	SequenceHeader bool
	// Codec is the FLV video codec id or sound format.
	Codec uint8
	// CompositionTime is the video PTS-DTS offset in milliseconds.
	CompositionTime int32
	// Body is the codec payload following the tag header.
	Body []byte
}

// Inspect parses the FLV tag header at the start of a message body.
// Empty audio/video messages are reported as KindOther.
func Inspect(m *message.Message) (Tag, error) {
	switch {
	case m.TypeID.IsData():
		return Tag{Kind: KindData}, nil
	case !m.TypeID.IsMedia() || len(m.Payload) == 0:
		return Tag{Kind: KindOther}, nil
	}

	var t Tag
	ft := flvio.Tag{Type: flvio.TAG_AUDIO}
	if m.TypeID == message.TypeIDVideoMessage {
		ft.Type = flvio.TAG_VIDEO
	}
	n, err := ft.ParseHeader(m.Payload)
	if err != nil {
		return Tag{}, fmt.Errorf("%w: %w", ErrMalformedTag, err)
	}
	t.Body = m.Payload[n:]

	if ft.Type == flvio.TAG_VIDEO {
		t.Kind = KindVideo
		t.Codec = ft.CodecID
		t.Keyframe = ft.FrameType == flvio.FRAME_KEY
		t.SequenceHeader = ft.CodecID == flvio.VIDEO_H264 && ft.AVCPacketType == flvio.AVC_SEQHDR
		t.CompositionTime = ft.CompositionTime
		return t, nil
	}

	t.Kind = KindAudio
	t.Codec = ft.SoundFormat
	t.SequenceHeader = ft.SoundFormat == flvio.SOUND_AAC && ft.AACPacketType == flvio.AAC_SEQHDR
	return t, nil
}

// IsKeyframe reports whether m is a video keyframe that is not a sequence header.
func IsKeyframe(m *message.Message) bool {
	t, err := Inspect(m)
	return err == nil && t.Kind == KindVideo && t.Keyframe && !t.SequenceHeader
}
