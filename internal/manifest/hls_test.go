package manifest

import (
	"strings"
	"testing"

	"streampipe/internal/media"
)

func seg(seq int64, dur float64, uri string) media.Segment {
	return media.Segment{ContentID: "c1", Resolution: "720p", Sequence: seq, Duration: dur, URI: uri}
}

func TestBuildMediaPlaylist_empty(t *testing.T) {
	out := BuildMediaPlaylist(nil, false)
	for _, want := range []string{"#EXTM3U", "#EXT-X-VERSION:3", "#EXT-X-TARGETDURATION:1", "#EXT-X-MEDIA-SEQUENCE:0"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "#EXT-X-ENDLIST") {
		t.Errorf("open playlist should not contain ENDLIST:\n%s", out)
	}
}

func TestBuildMediaPlaylist_segments(t *testing.T) {
	segs := []media.Segment{
		seg(4, 2.0, "/segments/c1/720p/4.ts"),
		seg(5, 2.5, "/segments/c1/720p/5.ts"),
		seg(6, 2.0, "/segments/c1/720p/6.ts"),
	}
	out := BuildMediaPlaylist(segs, false)

	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:4") {
		t.Errorf("media sequence should be the first segment's sequence:\n%s", out)
	}
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:3") {
		t.Errorf("target duration should be ceil of max (2.5):\n%s", out)
	}
	if !strings.Contains(out, "#EXTINF:2.5,\n/segments/c1/720p/5.ts") {
		t.Errorf("EXTINF lines should precede their URI:\n%s", out)
	}
	if strings.Count(out, "#EXTINF") != 3 {
		t.Errorf("expected 3 EXTINF entries:\n%s", out)
	}
}

func TestBuildMediaPlaylist_ended(t *testing.T) {
	out := BuildMediaPlaylist([]media.Segment{seg(1, 2.0, "/1.ts")}, true)
	if !strings.HasSuffix(out, "#EXT-X-ENDLIST\n") {
		t.Errorf("ended playlist should end with ENDLIST:\n%s", out)
	}
}

func TestBuildMediaPlaylist_zero_duration_floor(t *testing.T) {
	out := BuildMediaPlaylist([]media.Segment{seg(1, 0, "/1.ts")}, false)
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:1") {
		t.Errorf("target duration never drops below 1:\n%s", out)
	}
}
