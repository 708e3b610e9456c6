// Package docstoretest provides an in-memory docstore.Store whose subscriptions
// deliver synchronously and can be inspected and driven by tests.
package docstoretest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sandwichfarm/livefeed/internal/docstore"
)

// Sub is one subscription opened against a Fake
type Sub struct {
	ID    uint64
	Query docstore.Query

	fake   *Fake
	fn     func(docstore.Snapshot)
	active bool
}

// Active reports whether the subscription has not been unsubscribed
func (s *Sub) Active() bool {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	return s.active
}

// Deliver invokes the callback directly, even after unsubscribe.
// Tests use it to simulate a store delivering one more event late.
func (s *Sub) Deliver(snap docstore.Snapshot) {
	s.fn(snap)
}

// Fake is an in-memory document store
type Fake struct {
	mu       sync.Mutex
	docs     map[string]docstore.Document
	subs     map[uint64]*Sub
	nextID   uint64
	failSub  map[string]error
	failGet  error
	getGate  chan struct{}
	getCalls int
}

// New returns an empty Fake
func New() *Fake {
	return &Fake{
		docs:    make(map[string]docstore.Document),
		subs:    make(map[uint64]*Sub),
		failSub: make(map[string]error),
	}
}

// Seed inserts documents without notifying subscribers
func (f *Fake) Seed(docs ...docstore.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range docs {
		f.docs[d.Path()] = d
	}
}

// FailSubscribe makes Subscribe fail for every collection with the given prefix
func (f *Fake) FailSubscribe(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failSub, prefix)
		return
	}
	f.failSub[prefix] = err
}

// FailGet makes every Get return err; nil restores normal behavior
func (f *Fake) FailGet(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet = err
}

// HoldGets blocks Get calls until the returned release func is called
func (f *Fake) HoldGets() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.getGate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.getGate == gate {
				f.getGate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// GetCalls returns how many times Get was called
func (f *Fake) GetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

// Subscribe registers a query and synchronously delivers the initial snapshot
func (f *Fake) Subscribe(ctx context.Context, q docstore.Query, fn func(docstore.Snapshot)) (docstore.Unsubscribe, error) {
	f.mu.Lock()
	for prefix, err := range f.failSub {
		if strings.HasPrefix(q.Collection, prefix) {
			f.mu.Unlock()
			return nil, err
		}
	}
	f.nextID++
	sub := &Sub{ID: f.nextID, Query: q, fake: f, fn: fn, active: true}
	f.subs[sub.ID] = sub
	snap := f.snapshotLocked(q)
	f.mu.Unlock()

	fn(snap)

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.active = false
		delete(f.subs, sub.ID)
	}, nil
}

// Get returns the stored document or docstore.ErrNotFound
func (f *Fake) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	f.mu.Lock()
	f.getCalls++
	gate := f.getGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return docstore.Document{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return docstore.Document{}, f.failGet
	}
	doc, ok := f.docs[collection+"/"+id]
	if !ok || doc.Deleted {
		return docstore.Document{}, docstore.NotFoundError{Path: collection + "/" + id}
	}
	return doc, nil
}

// Put stores the document and notifies matching subscriptions synchronously
func (f *Fake) Put(ctx context.Context, doc docstore.Document) error {
	if doc.Collection == "" || doc.ID == "" {
		return errors.New("document requires a collection and id")
	}
	f.mu.Lock()
	f.docs[doc.Path()] = doc
	f.mu.Unlock()

	f.Notify(doc.Collection)
	return nil
}

// Delete tombstones the document
func (f *Fake) Delete(ctx context.Context, collection, id string) error {
	return f.Put(ctx, docstore.Document{Collection: collection, ID: id, Deleted: true})
}

// Notify re-delivers a fresh snapshot to every active subscription on the collection
func (f *Fake) Notify(collection string) {
	type delivery struct {
		sub  *Sub
		snap docstore.Snapshot
	}

	f.mu.Lock()
	var pending []delivery
	for _, sub := range f.subs {
		if sub.Query.Collection == collection {
			pending = append(pending, delivery{sub, f.snapshotLocked(sub.Query)})
		}
	}
	f.mu.Unlock()

	for _, d := range pending {
		if d.sub.Active() {
			d.sub.fn(d.snap)
		}
	}
}

// Break delivers an error snapshot to every active subscription on the collection
func (f *Fake) Break(collection string, err error) {
	for _, sub := range f.Subscriptions(collection) {
		sub.fn(docstore.Snapshot{Err: err})
	}
}

// Subscriptions returns the active subscriptions on exactly this collection
func (f *Fake) Subscriptions(collection string) []*Sub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Sub
	for _, sub := range f.subs {
		if sub.Query.Collection == collection {
			out = append(out, sub)
		}
	}
	return out
}

// ActiveCount counts active subscriptions whose collection has the given prefix and suffix
func (f *Fake) ActiveCount(prefix, suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.subs {
		if strings.HasPrefix(sub.Query.Collection, prefix) && strings.HasSuffix(sub.Query.Collection, suffix) {
			n++
		}
	}
	return n
}

// Total returns the number of active subscriptions
func (f *Fake) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Fake) snapshotLocked(q docstore.Query) docstore.Snapshot {
	docs := make([]docstore.Document, 0, len(f.docs))
	for _, d := range f.docs {
		docs = append(docs, d)
	}
	return docstore.Snapshot{Docs: q.Apply(docs)}
}
