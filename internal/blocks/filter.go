package blocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/ops"
)

const (
	// Collection holds one document per block, authored by the blocker
	Collection = "blocks"
	// FieldBlocked names the blocked user
	FieldBlocked = "blocked"
)

// DocumentID returns the id of the block document for a blocker/blocked pair
func DocumentID(blocker, blocked string) string {
	return blocker + "_" + blocked
}

// Listener receives every published snapshot, plus the error of a still-failing feed if any.
// A nil error means both feeds last delivered cleanly.
type Listener func(set *Set, err error)

// Filter keeps a viewer's outgoing and incoming block lists live
type Filter struct {
	viewer string
	logger *ops.Logger

	mu        sync.Mutex
	outgoing  []string
	incoming  []string
	haveOut   bool
	haveIn    bool
	errOut    error
	errIn     error
	version   uint64
	current   *Set
	listeners map[uint64]Listener
	nextID    uint64
	closed    bool

	unsubOut docstore.Unsubscribe
	unsubIn  docstore.Unsubscribe
}

// Open subscribes to both block feeds for the viewer
func Open(ctx context.Context, store docstore.Subscriber, viewer string, logger *ops.Logger) (*Filter, error) {
	if logger == nil {
		logger = ops.Discard()
	}
	f := &Filter{
		viewer:    viewer,
		logger:    logger.WithComponent("blocks"),
		listeners: make(map[uint64]Listener),
	}

	outgoing := docstore.Query{Collection: Collection, Authors: []string{viewer}}
	unsubOut, err := store.Subscribe(ctx, outgoing, func(snap docstore.Snapshot) {
		f.apply(true, snap)
	})
	if err != nil {
		f.logger.LogSubscription("blocks/outgoing", false, err)
		return nil, fmt.Errorf("failed to subscribe to outgoing blocks: %w", err)
	}

	incoming := docstore.Query{Collection: Collection}.Equal(FieldBlocked, viewer)
	unsubIn, err := store.Subscribe(ctx, incoming, func(snap docstore.Snapshot) {
		f.apply(false, snap)
	})
	if err != nil {
		unsubOut()
		f.logger.LogSubscription("blocks/incoming", false, err)
		return nil, fmt.Errorf("failed to subscribe to incoming blocks: %w", err)
	}

	f.mu.Lock()
	f.unsubOut, f.unsubIn = unsubOut, unsubIn
	f.mu.Unlock()

	return f, nil
}

// apply replaces one side wholesale. A failing feed keeps its last good list;
// a feed whose first delivery is an error counts as delivered-empty so aggregation is not held forever.
func (f *Filter) apply(outgoing bool, snap docstore.Snapshot) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}

	source := "blocks/incoming"
	if outgoing {
		source = "blocks/outgoing"
	}

	var prevErr error
	if outgoing {
		prevErr = f.errOut
	} else {
		prevErr = f.errIn
	}

	if snap.Err == nil {
		users := make([]string, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			if outgoing {
				users = append(users, doc.Field(FieldBlocked))
			} else {
				users = append(users, doc.Author)
			}
		}
		if outgoing {
			f.outgoing, f.haveOut, f.errOut = users, true, nil
		} else {
			f.incoming, f.haveIn, f.errIn = users, true, nil
		}
	} else {
		f.logger.LogSubscription(source, true, snap.Err)
		wrapped := fmt.Errorf("%s: %w", source, snap.Err)
		if outgoing {
			f.haveOut, f.errOut = true, wrapped
		} else {
			f.haveIn, f.errIn = true, wrapped
		}
	}

	if !f.haveOut || !f.haveIn {
		f.mu.Unlock()
		return
	}

	// A feed recovering with unchanged members still notifies so listeners can clear the error
	recovered := snap.Err == nil && prevErr != nil
	candidate := NewSet(f.version+1, f.outgoing, f.incoming)
	if snap.Err == nil && !recovered && candidate.SameMembers(f.current) {
		f.mu.Unlock()
		return
	}
	f.version++
	next := candidate
	f.current = next
	listeners := make([]Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	err := f.errOut
	if err == nil {
		err = f.errIn
	}
	f.mu.Unlock()

	for _, l := range listeners {
		l(next, err)
	}
}

// Current returns the latest snapshot, or nil until both feeds have delivered
func (f *Filter) Current() *Set {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Ready reports whether both feeds have delivered at least once
func (f *Filter) Ready() bool {
	return f.Current() != nil
}

// Watch registers a listener. If a snapshot is already available the listener is called
// with it before Watch returns. The returned func removes the listener.
func (f *Filter) Watch(fn Listener) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	current := f.current
	err := f.errOut
	if err == nil {
		err = f.errIn
	}
	f.mu.Unlock()

	if current != nil {
		fn(current, err)
	}

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

// Close disposes both subscriptions; idempotent
func (f *Filter) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	unsubOut, unsubIn := f.unsubOut, f.unsubIn
	f.listeners = map[uint64]Listener{}
	f.mu.Unlock()

	if unsubOut != nil {
		unsubOut()
	}
	if unsubIn != nil {
		unsubIn()
	}
}
