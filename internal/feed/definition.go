package feed

import (
	"time"

	"github.com/sandwichfarm/livefeed/internal/aggregates"
	"github.com/sandwichfarm/livefeed/internal/docstore"
)

// Definition describes one feed: which parents to page, which child collection to
// aggregate per parent and how to order the merged rows.
type Definition struct {
	Name string

	// Parents is the base query; paging adds cursors and limits
	Parents docstore.Query

	// Child returns the child query for a parent
	Child func(parent docstore.Document) docstore.Query

	// Aggregate computes stats from a parent's visible children
	Aggregate aggregates.Aggregator

	// Probe optionally returns the one-shot interaction read for a parent
	Probe func(parent docstore.Document) *aggregates.Probe

	// Flag computes the row's view flag; nil leaves it false
	Flag func(row Row, now time.Time) bool

	// Less orders rows by feature priority. Ties fall back to recency then id.
	Less func(a, b Row) bool
}

func (d Definition) less(a, b Row) bool {
	if d.Less != nil {
		if d.Less(a, b) {
			return true
		}
		if d.Less(b, a) {
			return false
		}
	}
	return docstore.Precedes(a.Record.Cursor(), b.Record.Cursor())
}
