package manifest

import (
	"fmt"
	"math"
	"strings"

	"streampipe/internal/media"
)

// BuildMediaPlaylist converts the ordered segment list of one rendition into
// a valid HLS media playlist. ended appends #EXT-X-ENDLIST, which players
// take as the signal that no further segments will appear (VOD, or a closed
// live stream). An empty slice produces a minimal valid playlist with media
// sequence 0.
func BuildMediaPlaylist(segments []media.Segment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(segments)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", segments[0].Sequence))

	for _, seg := range segments {
		b.WriteString(fmt.Sprintf("#EXTINF:%.1f,\n", seg.Duration))
		b.WriteString(seg.URI)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// targetDuration returns the #EXT-X-TARGETDURATION value: the ceiling of the
// maximum segment duration in whole seconds.
func targetDuration(segments []media.Segment) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
