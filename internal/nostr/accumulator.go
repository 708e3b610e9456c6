package nostr

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/livefeed/internal/docstore"
)

// accumulator keeps the newest event per document path seen on a relay subscription
// and renders full snapshots of the query on demand.
type accumulator struct {
	query docstore.Query

	mu     sync.Mutex
	newest map[string]*nostr.Event
	seen   map[string]bool
	err    error
}

func newAccumulator(q docstore.Query) *accumulator {
	return &accumulator{
		query:  q,
		newest: make(map[string]*nostr.Event),
		seen:   make(map[string]bool),
	}
}

// add folds an event in and reports whether it changed the visible state
func (a *accumulator) add(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Relays echo the same event; ignore repeats
	if a.seen[ev.ID] {
		return false
	}
	a.seen[ev.ID] = true

	doc, err := docstore.FromEvent(ev)
	if err != nil || doc.Collection != a.query.Collection {
		return false
	}

	path := doc.Path()
	cur, ok := a.newest[path]
	if ok && (cur.CreatedAt > ev.CreatedAt || (cur.CreatedAt == ev.CreatedAt && cur.ID >= ev.ID)) {
		return false
	}
	a.newest[path] = ev
	return true
}

func (a *accumulator) addAll(events []*nostr.Event) {
	for _, ev := range events {
		a.add(ev)
	}
}

func (a *accumulator) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

// snapshot applies the query to the accumulated documents
func (a *accumulator) snapshot() docstore.Snapshot {
	a.mu.Lock()
	events := make([]*nostr.Event, 0, len(a.newest))
	for _, ev := range a.newest {
		events = append(events, ev)
	}
	err := a.err
	a.mu.Unlock()

	return docstore.Snapshot{
		Docs: a.query.Apply(docstore.Latest(events)),
		Err:  err,
	}
}
