package catalog

import (
	"fmt"
	"testing"

	"streampipe/internal/manifest"
	"streampipe/internal/media"
	"streampipe/internal/store"
)

func seedContent(t *testing.T, segments *store.MemoryStore, manifests *manifest.Builder, id media.ContentID, status media.ManifestStatus, res media.Resolution, chunks int) {
	t.Helper()
	manifests.Open(id, []media.Resolution{res}, status)
	for seq := int64(1); seq <= int64(chunks); seq++ {
		data := []byte(fmt.Sprintf("%s/%s/%d", id, res, seq))
		seg := media.Segment{
			ContentID:  id,
			Resolution: res,
			Sequence:   seq,
			URI:        fmt.Sprintf("/segments/%s/%s/%d.ts", id, res, seq),
			Duration:   4,
			Checksum:   store.Checksum(data),
		}
		if err := segments.Put(seg.Key(), data); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := manifests.Append(id, res, seg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestCatalog_list(t *testing.T) {
	segments := store.NewMemoryStore()
	manifests := manifest.NewBuilder(segments)
	seedContent(t, segments, manifests, "movie-a", media.ManifestBuilding, "720p", 3)
	seedContent(t, segments, manifests, "movie-b", media.ManifestBuilding, "480p", 10)
	seedContent(t, segments, manifests, "stream-c", media.ManifestLive, "720p", 2)

	c := New(manifests)

	all := c.List(nil)
	if len(all) != 3 {
		t.Fatalf("List(nil) = %d entries, want 3", len(all))
	}
	if all[0].ContentID != "movie-a" || all[2].ContentID != "stream-c" {
		t.Errorf("entries not ordered by id: %v", all)
	}

	long := c.List(MinDuration(20))
	if len(long) != 1 || long[0].ContentID != "movie-b" {
		t.Errorf("MinDuration(20) = %v, want movie-b only", long)
	}
	if long[0].Duration != 40 {
		t.Errorf("Duration = %v, want 40", long[0].Duration)
	}
	if long[0].Segments != 10 {
		t.Errorf("Segments = %d, want 10", long[0].Segments)
	}

	live := c.List(And(StatusIs(media.ManifestLive), HasResolution("720p")))
	if len(live) != 1 || live[0].ContentID != "stream-c" {
		t.Errorf("live filter = %v, want stream-c only", live)
	}
}
