package media

import (
	"bytes"
	"errors"
	"testing"

	"live-ingest/internal/media/mediatest"
	"live-ingest/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect(t *testing.T) {
	t.Run("video_sequence_header", func(t *testing.T) {
		tag, err := Inspect(mediatest.VideoConfig(0))
		require.NoError(t, err)
		assert.Equal(t, KindVideo, tag.Kind)
		assert.True(t, tag.SequenceHeader)
		assert.True(t, tag.Keyframe)
		assert.Equal(t, mediatest.AVCRecord(), tag.Body)
	})

	t.Run("keyframe_and_delta", func(t *testing.T) {
		key, err := Inspect(mediatest.VideoFrame(40, true))
		require.NoError(t, err)
		assert.True(t, key.Keyframe)
		assert.False(t, key.SequenceHeader)

		delta, err := Inspect(mediatest.VideoFrame(80, false))
		require.NoError(t, err)
		assert.False(t, delta.Keyframe)
	})

	t.Run("aac_sequence_header", func(t *testing.T) {
		tag, err := Inspect(mediatest.AudioConfig(0))
		require.NoError(t, err)
		assert.Equal(t, KindAudio, tag.Kind)
		assert.True(t, tag.SequenceHeader)
		assert.Equal(t, mediatest.AACConfig, tag.Body)
	})

	t.Run("data_message", func(t *testing.T) {
		tag, err := Inspect(mediatest.Metadata(0))
		require.NoError(t, err)
		assert.Equal(t, KindData, tag.Kind)
	})

	t.Run("empty_video_is_other", func(t *testing.T) {
		tag, err := Inspect(&message.Message{TypeID: message.TypeIDVideoMessage})
		require.NoError(t, err)
		assert.Equal(t, KindOther, tag.Kind)
	})

	t.Run("truncated_video_header", func(t *testing.T) {
		_, err := Inspect(&message.Message{TypeID: message.TypeIDVideoMessage, Payload: []byte{0x17, 0x01}})
		assert.True(t, errors.Is(err, ErrMalformedTag))
	})
}

func TestIsKeyframe(t *testing.T) {
	assert.True(t, IsKeyframe(mediatest.VideoFrame(0, true)))
	assert.False(t, IsKeyframe(mediatest.VideoFrame(0, false)))
	assert.False(t, IsKeyframe(mediatest.VideoConfig(0)))
	assert.False(t, IsKeyframe(mediatest.AudioFrame(0)))
}

func TestParams_Update(t *testing.T) {
	var p Params
	assert.True(t, p.Empty())
	assert.Equal(t, int8(-1), p.Index(KindVideo))

	vt, _ := Inspect(mediatest.VideoConfig(0))
	require.NoError(t, p.Update(vt))
	at, _ := Inspect(mediatest.AudioConfig(0))
	require.NoError(t, p.Update(at))

	assert.Len(t, p.Streams(), 2)
	assert.Equal(t, int8(0), p.Index(KindVideo))
	assert.Equal(t, int8(1), p.Index(KindAudio))

	video, audio := p.Describe()
	assert.Contains(t, video, "320x240")
	assert.Contains(t, audio, "44100")

	t.Run("bad_avc_record", func(t *testing.T) {
		var q Params
		bad := Tag{Kind: KindVideo, SequenceHeader: true, Codec: 7, Body: []byte{0x01}}
		assert.True(t, errors.Is(q.Update(bad), ErrBadConfig))
	})

	t.Run("unsupported_video_codec", func(t *testing.T) {
		var q Params
		hevc := Tag{Kind: KindVideo, SequenceHeader: true, Codec: 12}
		assert.True(t, errors.Is(q.Update(hevc), ErrUnsupportedCodec))
	})
}

func TestClock_Extend(t *testing.T) {
	var c Clock
	assert.Equal(t, int64(100), c.Extend(100))
	assert.Equal(t, int64(0xFFFFFFF0), c.Extend(0xFFFFFFF0))
	assert.Equal(t, int64(1<<32+5), c.Extend(5))
	// small backwards jitter is not a wrap
	assert.Equal(t, int64(1<<32+3), c.Extend(3))
}

func TestFLVWriter_WriteMessage(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFLVWriter(&buf)

	// frames before configuration are skipped
	require.NoError(t, fw.WriteMessage(mediatest.VideoFrame(0, true)))
	assert.Equal(t, 0, buf.Len())

	require.NoError(t, fw.WriteMessage(mediatest.VideoConfig(0)))
	require.NoError(t, fw.WriteMessage(mediatest.AudioConfig(0)))
	require.NoError(t, fw.WriteMessage(mediatest.VideoFrame(33, false)))
	assert.Equal(t, 0, buf.Len(), "delta frame must not start the stream")

	require.NoError(t, fw.WriteMessage(mediatest.VideoFrame(66, true)))
	require.NoError(t, fw.WriteMessage(mediatest.AudioFrame(70)))
	require.NoError(t, fw.Close())

	out := buf.Bytes()
	require.Greater(t, len(out), 13)
	assert.Equal(t, []byte("FLV"), out[:3])
}
