package catalog

import (
	"slices"

	"streampipe/internal/manifest"
	"streampipe/internal/media"
)

// Catalog derives listing entries from manifest state.
type Catalog struct {
	manifests *manifest.Builder
}

// New returns a Catalog reading from manifests.
func New(manifests *manifest.Builder) *Catalog {
	return &Catalog{manifests: manifests}
}

// List returns every entry matching filter, ordered by content id. A nil
// filter matches everything.
func (c *Catalog) List(filter Filter) []Entry {
	if filter == nil {
		filter = And()
	}

	var out []Entry
	for _, id := range c.manifests.Contents() {
		m, err := c.manifests.Read(id)
		if err != nil {
			continue
		}
		e := entryFromManifest(m)
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

func entryFromManifest(m media.Manifest) Entry {
	resolutions := make([]media.Resolution, 0, len(m.Renditions))
	segments := 0
	for res, segs := range m.Renditions {
		resolutions = append(resolutions, res)
		if len(segs) > segments {
			segments = len(segs)
		}
	}
	slices.Sort(resolutions)

	return Entry{
		ContentID:   m.ContentID,
		Status:      m.Status,
		Resolutions: resolutions,
		Duration:    m.TotalDuration(),
		Segments:    segments,
	}
}
