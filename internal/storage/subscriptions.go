package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/sandwichfarm/livefeed/internal/docstore"
)

// subscription is one live query. A dedicated goroutine re-runs the query whenever the
// collection is marked dirty, so snapshots reach the callback in order and never concurrently.
type subscription struct {
	id    uint64
	query docstore.Query
	fn    func(docstore.Snapshot)

	ctx    context.Context
	cancel context.CancelFunc
	dirty  chan struct{}

	// deliverMu is held while the callback runs; stop acquires it so no snapshot
	// is delivered after stop returns. Callbacks must not unsubscribe inline.
	deliverMu sync.Mutex
	stopped   bool
	done      chan struct{}
}

// markDirty schedules a re-query, coalescing with any pending one
func (sub *subscription) markDirty() {
	select {
	case sub.dirty <- struct{}{}:
	default:
	}
}

func (sub *subscription) stop() {
	sub.cancel()
	sub.deliverMu.Lock()
	sub.stopped = true
	sub.deliverMu.Unlock()
}

func (sub *subscription) run(s *Storage) {
	defer close(sub.done)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.dirty:
		}

		docs, err := s.query(sub.ctx, sub.query)
		if sub.ctx.Err() != nil {
			return
		}
		if err != nil {
			err = fmt.Errorf("query %s: %w", sub.query.Collection, err)
		}

		sub.deliverMu.Lock()
		if !sub.stopped {
			sub.fn(docstore.Snapshot{Docs: docs, Err: err})
		}
		sub.deliverMu.Unlock()
	}
}

// Subscribe opens a live query. The initial snapshot and every later one are delivered
// asynchronously on a goroutine owned by the subscription.
func (s *Storage) Subscribe(ctx context.Context, q docstore.Query, fn func(docstore.Snapshot)) (docstore.Unsubscribe, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("subscribe requires a collection")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("storage is closed")
	}
	s.nextID++
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:     s.nextID,
		query:  q,
		fn:     fn,
		ctx:    subCtx,
		cancel: cancel,
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	s.logger.LogSubscription(q.Collection, true, nil)

	go sub.run(s)
	sub.markDirty()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub.id)
			s.mu.Unlock()
			sub.stop()
			s.logger.LogSubscription(q.Collection, false, nil)
		})
	}

	// A cancelled parent context ends the subscription as well
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-sub.done:
		}
	}()

	return unsubscribe, nil
}

// notify marks every live query on the collection dirty
func (s *Storage) notify(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if sub.query.Collection == collection {
			sub.markDirty()
		}
	}
}

// SubscriptionCount returns the number of live queries
func (s *Storage) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
