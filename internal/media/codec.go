package media

import (
	"errors"
	"fmt"
	"time"

	"live-ingest/internal/message"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/flv/flvio"
)

var (
	// ErrUnsupportedCodec is returned for codecs the muxers cannot carry.
	ErrUnsupportedCodec = errors.New("unsupported codec")
	// ErrBadConfig is returned when a sequence header does not parse.
	ErrBadConfig = errors.New("malformed codec configuration")
)

// Params holds the codec configuration parsed from sequence headers.
type Params struct {
	Video av.CodecData
	Audio av.CodecData
}

// Update parses a sequence header tag into p.
func (p *Params) Update(t Tag) error {
	if !t.SequenceHeader {
		return nil
	}
	switch t.Kind {
	case KindVideo:
		if t.Codec != flvio.VIDEO_H264 {
			return fmt.Errorf("%w: video codec id %d", ErrUnsupportedCodec, t.Codec)
		}
		cd, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(t.Body)
		if err != nil {
			return fmt.Errorf("%w: avc: %w", ErrBadConfig, err)
		}
		p.Video = cd
	case KindAudio:
		if t.Codec != flvio.SOUND_AAC {
			return fmt.Errorf("%w: sound format %d", ErrUnsupportedCodec, t.Codec)
		}
		cd, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(t.Body)
		if err != nil {
			return fmt.Errorf("%w: aac: %w", ErrBadConfig, err)
		}
		p.Audio = cd
	}
	return nil
}

// Streams returns the configured codecs, video first.
func (p Params) Streams() []av.CodecData {
	var out []av.CodecData
	if p.Video != nil {
		out = append(out, p.Video)
	}
	if p.Audio != nil {
		out = append(out, p.Audio)
	}
	return out
}

// Index returns the stream index of kind within Streams, or -1.
func (p Params) Index(k Kind) int8 {
	switch k {
	case KindVideo:
		if p.Video != nil {
			return 0
		}
	case KindAudio:
		if p.Audio != nil {
			if p.Video != nil {
				return 1
			}
			return 0
		}
	}
	return -1
}

// Empty reports whether no codec has been configured.
func (p Params) Empty() bool {
	return p.Video == nil && p.Audio == nil
}

// Clock extends 32-bit millisecond timestamps across wraparound.
type Clock struct {
	started bool
	last    uint32
	base    int64
}

// Extend returns ts on a monotonic 64-bit timeline.
func (c *Clock) Extend(ts uint32) int64 {
	if c.started && ts < c.last && c.last-ts > 1<<31 {
		c.base += 1 << 32
	}
	c.started = true
	c.last = ts
	return c.base + int64(ts)
}

// Packet converts a media message into an av.Packet on stream idx.
// ms is the message timestamp already extended by a Clock.
func Packet(t Tag, idx int8, ms int64) av.Packet {
	return av.Packet{
		IsKeyFrame:      t.Keyframe,
		Idx:             idx,
		CompositionTime: time.Duration(t.CompositionTime) * time.Millisecond,
		Time:            time.Duration(ms) * time.Millisecond,
		Data:            t.Body,
	}
}

// Describe returns a short human-readable codec summary for status output.
func (p Params) Describe() (video, audio string) {
	if v, ok := p.Video.(av.VideoCodecData); ok {
		video = fmt.Sprintf("%s %dx%d", v.Type(), v.Width(), v.Height())
	}
	if a, ok := p.Audio.(av.AudioCodecData); ok {
		audio = fmt.Sprintf("%s %dHz", a.Type(), a.SampleRate())
	}
	return video, audio
}

// IsConfig reports whether m is an audio or video sequence header.
func IsConfig(m *message.Message) bool {
	t, err := Inspect(m)
	return err == nil && t.SequenceHeader
}
