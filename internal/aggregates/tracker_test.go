package aggregates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/docstore/docstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loop queues dispatched work so tests control when it runs
type loop struct {
	mu    sync.Mutex
	queue []func()
}

func (l *loop) dispatch(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, fn)
}

func (l *loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

func (l *loop) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

type received struct {
	stats []Stats
	errs  []error
}

func (r *received) callback(t *Tracker, s Stats, err error) {
	r.stats = append(r.stats, s)
	r.errs = append(r.errs, err)
}

func (r *received) last() Stats {
	return r.stats[len(r.stats)-1]
}

const likes = "posts/p1/likes"

func like(author string, at int64) docstore.Document {
	return docstore.Document{Collection: likes, ID: author, Author: author, CreatedAt: time.Unix(at, 0)}
}

func openTracker(t *testing.T, store docstore.Store, l *loop, r *received, mutate func(*Options)) *Tracker {
	t.Helper()
	opts := Options{
		ParentID:  "p1",
		Query:     docstore.Query{Collection: likes},
		Aggregate: CountAll("viewer"),
		Dispatch:  l.dispatch,
		OnStats:   r.callback,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return Open(context.Background(), store, opts)
}

func TestAggregators(t *testing.T) {
	children := []docstore.Document{
		{Author: "viewer", CreatedAt: time.Unix(3, 0), Fields: map[string]string{"status": "approved"}},
		{Author: "u2", CreatedAt: time.Unix(7, 0), Fields: map[string]string{"status": "pending", FieldRecipient: "viewer"}},
		{Author: "u3", CreatedAt: time.Unix(5, 0), Fields: map[string]string{"status": "approved", FieldRecipient: "viewer", FieldRead: "1"}},
	}

	all := CountAll("viewer")(children)
	assert.Equal(t, 3, all.Count)
	assert.True(t, all.Mine)
	assert.Equal(t, time.Unix(7, 0), all.Latest)

	approved := CountWhere("viewer", "status", "approved")(children)
	assert.Equal(t, 2, approved.Count)
	assert.Equal(t, time.Unix(5, 0), approved.Latest)

	unread := UnreadFor("viewer")(children)
	assert.Equal(t, 1, unread.Count)
	assert.False(t, unread.Mine)

	assert.Equal(t, Stats{}, CountAll("viewer")(nil))
	assert.False(t, Stats{}.HasActivity())
}

func TestTrackerCountsChildren(t *testing.T) {
	store := docstoretest.New()
	store.Seed(like("u1", 1))
	l, r := &loop{}, &received{}

	tr := openTracker(t, store, l, r, nil)
	l.drain()
	require.Len(t, r.stats, 1)
	assert.Equal(t, 1, r.last().Count)
	assert.True(t, tr.Delivered())

	// A new child updates the count within one callback
	require.NoError(t, store.Put(context.Background(), like("viewer", 2)))
	l.drain()
	require.Len(t, r.stats, 2)
	assert.Equal(t, Stats{Count: 2, Latest: time.Unix(2, 0), Mine: true}, r.last())
}

func TestTrackerFiltersHiddenAuthors(t *testing.T) {
	store := docstoretest.New()
	store.Seed(like("u1", 1), like("blocked", 2))
	l, r := &loop{}, &received{}

	hidden := map[string]bool{"blocked": true}
	tr := openTracker(t, store, l, r, func(o *Options) {
		o.Visible = func(author string) bool { return !hidden[author] }
	})
	l.drain()
	assert.Equal(t, 1, tr.Stats().Count)

	delete(hidden, "blocked")
	assert.True(t, tr.Restat())
	assert.Equal(t, 2, tr.Stats().Count)
	assert.False(t, tr.Restat())
}

func TestTrackerDisposeDropsLateSnapshots(t *testing.T) {
	store := docstoretest.New()
	l, r := &loop{}, &received{}

	tr := openTracker(t, store, l, r, nil)
	l.drain()
	require.Len(t, r.stats, 1)

	subs := store.Subscriptions(likes)
	require.Len(t, subs, 1)

	tr.Dispose()
	tr.Dispose()
	assert.True(t, tr.Disposed())
	assert.False(t, subs[0].Active())

	subs[0].Deliver(docstore.Snapshot{Docs: []docstore.Document{like("u9", 9)}})
	l.drain()
	assert.Len(t, r.stats, 1)
	assert.Equal(t, 0, tr.Stats().Count)
	assert.False(t, tr.Restat())
}

func TestTrackerOpenFailureIsDegraded(t *testing.T) {
	store := docstoretest.New()
	store.FailSubscribe("posts/", errors.New("unavailable"))
	l, r := &loop{}, &received{}

	tr := openTracker(t, store, l, r, nil)
	l.drain()

	require.Len(t, r.stats, 1)
	assert.Equal(t, Stats{Degraded: true}, r.last())
	assert.Error(t, r.errs[0])
	assert.True(t, tr.Degraded())
	tr.Dispose()
}

func TestTrackerMidStreamErrorKeepsStats(t *testing.T) {
	store := docstoretest.New()
	store.Seed(like("u1", 1))
	l, r := &loop{}, &received{}

	tr := openTracker(t, store, l, r, nil)
	l.drain()

	boom := errors.New("stream reset")
	store.Break(likes, boom)
	l.drain()

	require.Len(t, r.stats, 2)
	assert.ErrorIs(t, r.errs[1], boom)
	assert.Equal(t, 1, r.last().Count)
	assert.Equal(t, 1, tr.Stats().Count)
}

func TestProbeAppliesBeforeFirstSnapshot(t *testing.T) {
	store := docstoretest.New()
	store.Seed(docstore.Document{Collection: "likes", ID: "p1_viewer", Author: "viewer"})
	l, r := &loop{}, &received{}

	// The child subscription fails so only the probe can answer
	store.FailSubscribe(likes, errors.New("slow"))
	tr := openTracker(t, store, l, r, func(o *Options) {
		o.Probe = &Probe{Collection: "likes", ID: "p1_viewer"}
	})

	require.Eventually(t, func() bool { return l.pending() >= 2 }, time.Second, time.Millisecond)
	l.drain()
	assert.True(t, tr.Stats().Mine)
	assert.True(t, r.last().Mine)
}

func TestProbeIgnoredAfterSnapshot(t *testing.T) {
	store := docstoretest.New()
	store.Seed(docstore.Document{Collection: "likes", ID: "p1_viewer", Author: "viewer"})
	release := store.HoldGets()
	l, r := &loop{}, &received{}

	tr := openTracker(t, store, l, r, func(o *Options) {
		o.Probe = &Probe{Collection: "likes", ID: "p1_viewer"}
	})

	// The subscription answers first: no like from the viewer
	l.drain()
	require.True(t, tr.Delivered())
	assert.False(t, tr.Stats().Mine)

	release()
	require.Eventually(t, func() bool { return l.pending() == 1 }, time.Second, time.Millisecond)
	l.drain()

	assert.False(t, tr.Stats().Mine)
	assert.Len(t, r.stats, 1)
}

func TestProbeIgnoredAfterDispose(t *testing.T) {
	store := docstoretest.New()
	store.Seed(docstore.Document{Collection: "likes", ID: "p1_viewer", Author: "viewer"})
	store.FailSubscribe(likes, errors.New("down"))
	release := store.HoldGets()
	l, r := &loop{}, &received{}

	tr := openTracker(t, store, l, r, func(o *Options) {
		o.Probe = &Probe{Collection: "likes", ID: "p1_viewer"}
	})
	l.drain()
	tr.Dispose()
	calls := len(r.stats)

	release()
	require.Eventually(t, func() bool { return l.pending() == 1 }, time.Second, time.Millisecond)
	l.drain()
	assert.Len(t, r.stats, calls)
}

func TestProbeCacheSkipsRead(t *testing.T) {
	store := docstoretest.New()
	c := cache.New(time.Minute, time.Minute)
	l, r := &loop{}, &received{}
	probe := &Probe{Collection: "likes", ID: "p1_viewer"}

	// First tracker learns the answer from its subscription
	store.Seed(like("viewer", 1))
	first := openTracker(t, store, l, r, func(o *Options) {
		o.Probe = probe
		o.ProbeCache = c
	})
	l.drain()
	first.Dispose()
	require.Eventually(t, func() bool { return store.GetCalls() == 1 }, time.Second, time.Millisecond)
	l.drain()

	v, ok := c.Get(probe.key())
	require.True(t, ok)
	assert.True(t, v.(bool))

	// A recreated tracker answers from the cache before its subscription delivers
	store.FailSubscribe(likes, errors.New("down"))
	second := openTracker(t, store, l, r, func(o *Options) {
		o.Probe = probe
		o.ProbeCache = c
	})
	l.drain()
	assert.True(t, second.Stats().Mine)
	assert.Equal(t, 1, store.GetCalls())
}
