package hls

import (
	"fmt"
	"math"
	"strings"
)

// BuildLivePlaylist converts a slice of segments (ordered by sequence ascending)
// into a valid HLS live playlist string. minTarget is the configured segment
// duration; the advertised target never drops below it. If ended is true,
// #EXT-X-ENDLIST is appended. An empty segments slice produces a minimal
// valid playlist with media sequence 0.
func BuildLivePlaylist(segments []Segment, minTarget int, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	targetDuration := max(targetDurationFromSegments(segments), minTarget, 1)

	if len(segments) == 0 {
		fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration)
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n\n", segments[0].Sequence)

	for _, seg := range segments {
		if seg.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.Path)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// targetDurationFromSegments returns the HLS #EXT-X-TARGETDURATION value:
// the ceiling of the maximum segment duration in seconds (integer).
func targetDurationFromSegments(segments []Segment) int {
	longest := 0.0
	for _, seg := range segments {
		longest = max(longest, seg.Duration)
	}
	if longest <= 0 {
		return 0
	}
	return int(math.Ceil(longest))
}

// SegmentName is the file name, and playlist URI, of a sequence number.
func SegmentName(seq int64) string {
	return fmt.Sprintf("%d.ts", seq)
}

// PlaylistName is the file name of a stream's rolling playlist.
const PlaylistName = "index.m3u8"
