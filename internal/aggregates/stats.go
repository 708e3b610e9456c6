package aggregates

import (
	"time"

	"github.com/sandwichfarm/livefeed/internal/docstore"
)

// Stats is the derived statistic of one parent's child collection
type Stats struct {
	Count  int
	Latest time.Time
	// Mine is true when the viewer contributed to the child collection
	Mine bool
	// Degraded marks stats that could not be computed because the child subscription failed to open
	Degraded bool
}

// HasActivity returns true if any child counted
func (s Stats) HasActivity() bool {
	return s.Count > 0
}

// Aggregator computes Stats from the visible children of one parent.
// Aggregators are pure: the same children always yield the same Stats.
type Aggregator func(children []docstore.Document) Stats

// CountAll counts every child
func CountAll(viewer string) Aggregator {
	return func(children []docstore.Document) Stats {
		return count(children, viewer, func(docstore.Document) bool { return true })
	}
}

// CountWhere counts children whose field equals value
func CountWhere(viewer, field, value string) Aggregator {
	return func(children []docstore.Document) Stats {
		return count(children, viewer, func(d docstore.Document) bool {
			return d.Field(field) == value
		})
	}
}

// Message fields read by UnreadFor
const (
	FieldRecipient = "to"
	FieldRead      = "read"
)

// UnreadFor counts messages addressed to viewer that are not marked read
func UnreadFor(viewer string) Aggregator {
	return func(children []docstore.Document) Stats {
		return count(children, viewer, func(d docstore.Document) bool {
			return d.Field(FieldRecipient) == viewer && d.Field(FieldRead) != "1"
		})
	}
}

func count(children []docstore.Document, viewer string, match func(docstore.Document) bool) Stats {
	var s Stats
	for _, child := range children {
		if !match(child) {
			continue
		}
		s.Count++
		if child.CreatedAt.After(s.Latest) {
			s.Latest = child.CreatedAt
		}
		if viewer != "" && child.Author == viewer {
			s.Mine = true
		}
	}
	return s
}
