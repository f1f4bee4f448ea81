// Package trace provides types for translation trace event collection.
package trace

import "time"

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for translation events.
const (
	Translate  Tag = "translate"
	CacheL1    Tag = "l1-hit"
	CacheL2    Tag = "l2-hit"
	Signature  Tag = "signature"
	Checkpoint Tag = "checkpoint"
	Hotspot    Tag = "hotspot"
	Unknown    Tag = "unknown-op"
	Analysis   Tag = "analysis"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Event represents one translation trace event.
type Event struct {
	Addr      uint64    // Guest address the event concerns
	Tags      Tags      // Multiple hashtags, first is primary
	Detail    string    // Additional detail (e.g. "11 guest bytes -> 36 host bytes")
	Timestamp time.Time // When the event occurred
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(addr uint64, category, detail string) *Event {
	return &Event{
		Addr:      addr,
		Tags:      Tags{Tag(category)},
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher enriches trace events based on category.
type Enricher func(e *Event)

// DefaultEnricher adds derived tags: cache events gain their tier tag
// (l1-hit for an "L1 hit" detail, l2-hit otherwise), and signature events
// the analysis tag.
func DefaultEnricher(e *Event) {
	switch e.Tags.Primary() {
	case "cache":
		if e.Detail == "L1 hit" {
			e.AddTag(CacheL1)
		} else {
			e.AddTag(CacheL2)
		}
	case Signature:
		e.AddTag(Analysis)
	}
}
