// Package catalog lists known content and filters it with a composable
// boolean expression tree. Filters are immutable once built, so a tree can be
// shared across requests.
package catalog

import (
	"strings"

	"streampipe/internal/media"
)

// Entry is the catalog's view of one piece of content, derived from its
// manifest.
type Entry struct {
	ContentID   media.ContentID      `json:"content_id"`
	Status      media.ManifestStatus `json:"status"`
	Resolutions []media.Resolution   `json:"resolutions"`
	Duration    float64              `json:"duration"`
	Segments    int                  `json:"segments"`
}

// Filter is a node in the expression tree. Evaluation is a single recursive
// walk; leaves inspect the entry, And/Or/Not combine child results.
type Filter interface {
	Match(e Entry) bool
}

type andFilter struct{ children []Filter }
type orFilter struct{ children []Filter }
type notFilter struct{ child Filter }
type predicate func(Entry) bool

// And matches when every child matches. And() with no children matches
// everything, so an empty query selects the whole catalog.
func And(children ...Filter) Filter { return andFilter{children: children} }

// Or matches when at least one child matches.
func Or(children ...Filter) Filter { return orFilter{children: children} }

// Not inverts its child.
func Not(child Filter) Filter { return notFilter{child: child} }

func (f andFilter) Match(e Entry) bool {
	for _, c := range f.children {
		if !c.Match(e) {
			return false
		}
	}
	return true
}

func (f orFilter) Match(e Entry) bool {
	for _, c := range f.children {
		if c.Match(e) {
			return true
		}
	}
	return false
}

func (f notFilter) Match(e Entry) bool { return !f.child.Match(e) }

func (f predicate) Match(e Entry) bool { return f(e) }

// StatusIs matches entries with the given manifest status.
func StatusIs(status media.ManifestStatus) Filter {
	return predicate(func(e Entry) bool { return e.Status == status })
}

// HasResolution matches entries that carry the given rendition.
func HasResolution(res media.Resolution) Filter {
	return predicate(func(e Entry) bool {
		for _, r := range e.Resolutions {
			if r == res {
				return true
			}
		}
		return false
	})
}

// MinDuration matches entries at least seconds long.
func MinDuration(seconds float64) Filter {
	return predicate(func(e Entry) bool { return e.Duration >= seconds })
}

// IDPrefix matches entries whose content id starts with prefix. Live replays
// land under "<content>/replay", so IDPrefix("<content>") selects a stream
// together with its materialized replay.
func IDPrefix(prefix string) Filter {
	return predicate(func(e Entry) bool {
		return strings.HasPrefix(string(e.ContentID), prefix)
	})
}
