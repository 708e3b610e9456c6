package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sandwichfarm/livefeed/internal/aggregates"
	"github.com/sandwichfarm/livefeed/internal/blocks"
	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/docstore/docstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const viewer = "viewer"

func postsDefinition() Definition {
	return Definition{
		Name:    "posts",
		Parents: docstore.Query{Collection: "posts"},
		Child: func(p docstore.Document) docstore.Query {
			return docstore.Query{Collection: docstore.ChildCollection("posts", p.ID, "likes")}
		},
		Aggregate: aggregates.CountAll(viewer),
	}
}

func post(id, author string, at int64) docstore.Document {
	return docstore.Document{Collection: "posts", ID: id, Author: author, CreatedAt: time.Unix(at, 0)}
}

func like(postID, author string, at int64) docstore.Document {
	return docstore.Document{
		Collection: docstore.ChildCollection("posts", postID, "likes"),
		ID:         author,
		Author:     author,
		CreatedAt:  time.Unix(at, 0),
	}
}

func blockDoc(blocker, blocked string) docstore.Document {
	return docstore.Document{
		Collection: blocks.Collection,
		ID:         blocks.DocumentID(blocker, blocked),
		Author:     blocker,
		CreatedAt:  time.Unix(1, 0),
		Fields:     map[string]string{blocks.FieldBlocked: blocked},
	}
}

func newEngine(t *testing.T, store docstore.Store, def Definition, pageSize int) *Engine {
	t.Helper()
	e := New(context.Background(), def, Options{Store: store, Viewer: viewer, PageSize: pageSize})
	t.Cleanup(e.Close)
	return e
}

func settle(t *testing.T, e *Engine) Diagnostics {
	t.Helper()
	d, err := e.Diagnostics()
	require.NoError(t, err)
	return d
}

func rowIDs(v View) []string {
	out := make([]string, len(v.Rows))
	for i, r := range v.Rows {
		out[i] = r.ID()
	}
	return out
}

func rowByID(v View, id string) (Row, bool) {
	for _, r := range v.Rows {
		if r.ID() == id {
			return r, true
		}
	}
	return Row{}, false
}

// onLoop runs fn on the engine loop and waits for it
func onLoop(t *testing.T, e *Engine, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, e.post(func() {
		fn()
		close(done)
	}))
	<-done
}

func TestInitialLoad(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 3), like("P1", "u3", 6))

	e := newEngine(t, store, postsDefinition(), 10)
	d := settle(t, e)

	v := e.Current()
	assert.Equal(t, []string{"P1", "P2"}, rowIDs(v))
	assert.Equal(t, Ready, v.State)
	assert.False(t, v.Loading)
	assert.True(t, v.Loaded)
	assert.False(t, v.HasMore)
	assert.NoError(t, v.Err)

	p1, _ := rowByID(v, "P1")
	assert.Equal(t, 1, p1.Stats.Count)
	assert.Equal(t, 2, d.Trackers)
	assert.True(t, d.BlocksReady)
}

func TestScenarioLoadMoreAppendsShortPage(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 3), post("P3", "u3", 1))

	e := newEngine(t, store, postsDefinition(), 2)
	settle(t, e)

	v := e.Current()
	assert.Equal(t, []string{"P1", "P2"}, rowIDs(v))
	assert.True(t, v.HasMore)

	e.LoadMore()
	d := settle(t, e)

	v = e.Current()
	assert.Equal(t, []string{"P1", "P2", "P3"}, rowIDs(v))
	assert.False(t, v.HasMore)
	assert.False(t, v.LoadingMore)
	assert.Equal(t, 3, d.Trackers)
	assert.Equal(t, 2, d.Pages)

	// Exhausted: further calls do nothing
	e.LoadMore()
	d = settle(t, e)
	assert.Equal(t, 2, d.Pages)
}

func TestLoadMoreKeepsExistingTrackers(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 3), post("P3", "u3", 1))

	e := newEngine(t, store, postsDefinition(), 2)
	settle(t, e)

	before := store.Subscriptions(docstore.ChildCollection("posts", "P1", "likes"))
	require.Len(t, before, 1)

	e.LoadMore()
	settle(t, e)

	after := store.Subscriptions(docstore.ChildCollection("posts", "P1", "likes"))
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID)
}

func TestScenarioBlockHidesAndRestores(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P4", "U4", 3))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)
	require.Equal(t, []string{"P1", "P4"}, rowIDs(e.Current()))

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, blockDoc(viewer, "U4")))
	d := settle(t, e)

	v := e.Current()
	assert.Equal(t, []string{"P1"}, rowIDs(v))
	assert.NoError(t, v.Err)
	assert.Equal(t, 1, d.Trackers)
	assert.Equal(t, 0, store.ActiveCount("posts/P4/", "/likes"))

	require.NoError(t, store.Delete(ctx, blocks.Collection, blocks.DocumentID(viewer, "U4")))
	d = settle(t, e)
	assert.Equal(t, []string{"P1", "P4"}, rowIDs(e.Current()))
	assert.Equal(t, 2, d.Trackers)
}

func TestIncomingBlockHidesSymmetrically(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P5", "U5", 3))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	require.NoError(t, store.Put(context.Background(), blockDoc("U5", viewer)))
	settle(t, e)
	assert.Equal(t, []string{"P1"}, rowIDs(e.Current()))
}

func TestBlockedChildAuthorsAreNotCounted(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), like("P1", "U6", 6), like("P1", "U7", 7))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)
	p1, _ := rowByID(e.Current(), "P1")
	require.Equal(t, 2, p1.Stats.Count)

	require.NoError(t, store.Put(context.Background(), blockDoc(viewer, "U6")))
	settle(t, e)
	p1, _ = rowByID(e.Current(), "P1")
	assert.Equal(t, 1, p1.Stats.Count)
}

func TestScenarioChildAddUpdatesOnlyItsRow(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P5", "u1", 5), post("P6", "u2", 3), like("P6", "u3", 4))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	before := e.Current()
	p5, ok := rowByID(before, "P5")
	require.True(t, ok)
	assert.Equal(t, 0, p5.Stats.Count)

	require.NoError(t, store.Put(context.Background(), like("P5", "u4", 9)))
	settle(t, e)

	after := e.Current()
	p5, _ = rowByID(after, "P5")
	assert.Equal(t, 1, p5.Stats.Count)
	assert.Equal(t, before.Seq+1, after.Seq)

	p6Before, _ := rowByID(before, "P6")
	p6After, _ := rowByID(after, "P6")
	assert.Equal(t, p6Before, p6After)
}

func TestMergeIsIdempotent(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 5), post("P3", "u3", 7), like("P2", "u1", 1))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)
	first := e.Current()

	var a, b []Row
	onLoop(t, e, func() {
		a = e.merge()
		b = e.merge()
	})
	assert.Equal(t, a, b)
	assert.Equal(t, first.Rows, a)

	e.Invalidate()
	settle(t, e)
	assert.Equal(t, first.Seq, e.Current().Seq)
	assert.Equal(t, first.Rows, e.Current().Rows)

	// Equal timestamps are ordered by id
	assert.Equal(t, []string{"P3", "P1", "P2"}, rowIDs(first))
}

func TestTrackerConservation(t *testing.T) {
	store := docstoretest.New()
	e := newEngine(t, store, postsDefinition(), 50)
	settle(t, e)

	ctx := context.Background()
	check := func(step string) {
		d := settle(t, e)
		v := e.Current()
		assert.Equal(t, len(v.Rows), d.Trackers, step)
		assert.Equal(t, len(v.Rows), store.ActiveCount("posts/", "/likes"), step)
	}

	for i := 0; i < 8; i++ {
		author := fmt.Sprintf("u%d", i%3)
		require.NoError(t, store.Put(ctx, post(fmt.Sprintf("P%d", i), author, int64(10+i))))
		check(fmt.Sprintf("insert %d", i))
	}

	require.NoError(t, store.Put(ctx, blockDoc(viewer, "u1")))
	check("block u1")

	require.NoError(t, store.Delete(ctx, "posts", "P0"))
	check("delete P0")

	require.NoError(t, store.Put(ctx, blockDoc("u2", viewer)))
	check("incoming block u2")

	require.NoError(t, store.Delete(ctx, blocks.Collection, blocks.DocumentID(viewer, "u1")))
	check("unblock u1")

	e.Refresh()
	check("refresh")
}

func TestStaleTrackerCallbackIsIgnored(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "U1", 5), post("P2", "u2", 3))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	subs := store.Subscriptions(docstore.ChildCollection("posts", "P1", "likes"))
	require.Len(t, subs, 1)

	require.NoError(t, store.Put(context.Background(), blockDoc(viewer, "U1")))
	settle(t, e)
	published := e.Current()
	require.Equal(t, []string{"P2"}, rowIDs(published))

	// The disposed tracker's subscription delivers once more
	subs[0].Deliver(docstore.Snapshot{Docs: []docstore.Document{like("P1", "u9", 9), like("P1", "u8", 8)}})
	settle(t, e)

	assert.Equal(t, published.Seq, e.Current().Seq)
	assert.Equal(t, published.Rows, e.Current().Rows)
}

func TestStalePageCallbackIsIgnored(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	old := store.Subscriptions("posts")
	require.Len(t, old, 1)

	e.Refresh()
	settle(t, e)

	old[0].Deliver(docstore.Snapshot{Docs: []docstore.Document{post("ghost", "u1", 99)}})
	settle(t, e)
	assert.Equal(t, []string{"P1"}, rowIDs(e.Current()))
}

func TestPaginationMonotonicity(t *testing.T) {
	store := docstoretest.New()
	for i := 1; i <= 7; i++ {
		store.Seed(post(fmt.Sprintf("P%d", i), "u1", int64(i*10)))
	}

	e := newEngine(t, store, postsDefinition(), 2)
	settle(t, e)

	ctx := context.Background()
	previous := map[string]bool{}
	for round := 0; ; round++ {
		v := e.Current()
		current := map[string]bool{}
		for _, id := range rowIDs(v) {
			assert.False(t, current[id], "duplicate %s", id)
			current[id] = true
		}
		for id := range previous {
			assert.True(t, current[id], "row %s vanished after load more", id)
		}
		previous = current

		if !v.HasMore {
			break
		}
		require.Less(t, round, 10)

		// Concurrent insert above the cursor while paging
		require.NoError(t, store.Put(ctx, post(fmt.Sprintf("N%d", round), "u2", int64(1000+round))))
		e.LoadMore()
		settle(t, e)
	}

	// 7 seeded plus one insert per load: three full pages and a final empty one
	assert.Len(t, previous, 7+4)
}

func TestParentErrorKeepsRows(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	boom := errors.New("network down")
	store.Break("posts", boom)
	settle(t, e)

	v := e.Current()
	assert.Equal(t, []string{"P1"}, rowIDs(v))
	require.Error(t, v.Err)
	assert.ErrorIs(t, v.Err, boom)
	assert.True(t, IsParentError(v.Err))
	assert.False(t, v.Blocking())

	// Recovery clears the parent error
	require.NoError(t, store.Put(context.Background(), post("P2", "u1", 6)))
	settle(t, e)
	assert.NoError(t, e.Current().Err)
}

func TestParentOpenFailureIsBlocking(t *testing.T) {
	store := docstoretest.New()
	store.FailSubscribe("posts", errors.New("denied"))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	v := e.Current()
	assert.Empty(t, v.Rows)
	assert.False(t, v.Loading)
	assert.True(t, v.Blocking())

	var se *SubscriptionError
	require.ErrorAs(t, v.Err, &se)
	assert.Equal(t, "parents", se.Source)
}

func TestDegradedChildDoesNotFailList(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 3))
	store.FailSubscribe("posts/P1/", errors.New("quota"))

	e := newEngine(t, store, postsDefinition(), 10)
	d := settle(t, e)

	v := e.Current()
	assert.Equal(t, []string{"P1", "P2"}, rowIDs(v))
	p1, _ := rowByID(v, "P1")
	assert.True(t, p1.Stats.Degraded)
	assert.Equal(t, 0, p1.Stats.Count)
	assert.False(t, v.Blocking())
	assert.Equal(t, 1, d.Degraded)
}

func errSource(t *testing.T, err error) string {
	t.Helper()
	var se *SubscriptionError
	require.ErrorAs(t, err, &se)
	return se.Source
}

func TestChildErrorClearsOnRecovery(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 3))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	blip := errors.New("blip")
	store.Break(docstore.ChildCollection("posts", "P1", "likes"), blip)
	settle(t, e)
	require.ErrorIs(t, e.Current().Err, blip)
	assert.Equal(t, "child:P1", errSource(t, e.Current().Err))

	require.NoError(t, store.Put(context.Background(), like("P1", "u3", 6)))
	settle(t, e)

	v := e.Current()
	assert.NoError(t, v.Err)
	p1, _ := rowByID(v, "P1")
	assert.Equal(t, 1, p1.Stats.Count)
}

func TestChildErrorClearsWhenParentLeaves(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 3))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	store.Break(docstore.ChildCollection("posts", "P1", "likes"), errors.New("blip"))
	settle(t, e)
	require.Error(t, e.Current().Err)

	require.NoError(t, store.Delete(context.Background(), "posts", "P1"))
	d := settle(t, e)

	v := e.Current()
	assert.Equal(t, []string{"P2"}, rowIDs(v))
	assert.Equal(t, 1, d.Trackers)
	assert.NoError(t, v.Err)
}

func TestEarlierErrorResurfacesWhenLaterOneClears(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 3))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	first := errors.New("first")
	second := errors.New("second")
	store.Break(docstore.ChildCollection("posts", "P1", "likes"), first)
	store.Break(docstore.ChildCollection("posts", "P2", "likes"), second)
	settle(t, e)
	assert.ErrorIs(t, e.Current().Err, second)

	store.Notify(docstore.ChildCollection("posts", "P2", "likes"))
	settle(t, e)
	assert.ErrorIs(t, e.Current().Err, first)

	store.Notify(docstore.ChildCollection("posts", "P1", "likes"))
	settle(t, e)
	assert.NoError(t, e.Current().Err)
}

func TestBlockErrorClearsOnRecovery(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), blockDoc(viewer, "u2"))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	boom := errors.New("blocks offline")
	store.Break(blocks.Collection, boom)
	settle(t, e)
	require.ErrorIs(t, e.Current().Err, boom)
	assert.Equal(t, "blocks", errSource(t, e.Current().Err))

	store.Notify(blocks.Collection)
	settle(t, e)
	assert.NoError(t, e.Current().Err)
	assert.Equal(t, []string{"P1"}, rowIDs(e.Current()))
}

func TestCloseReleasesEverything(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 3))

	e := New(context.Background(), postsDefinition(), Options{Store: store, Viewer: viewer, PageSize: 10})
	settle(t, e)
	require.Greater(t, store.Total(), 0)

	updates, _ := e.Updates()

	e.Close()
	e.Close()

	assert.Equal(t, 0, store.Total())
	_, err := e.Diagnostics()
	assert.ErrorIs(t, err, ErrClosed)

	// Drain the primed view; the channel is closed afterwards
	for range updates {
	}
	e.LoadMore()
	e.Refresh()
}

func TestUpdatesDeliverLatestView(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	updates, cancel := e.Updates()
	defer cancel()

	first := <-updates
	assert.Equal(t, []string{"P1"}, rowIDs(first))

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, post("P2", "u1", 6)))
	require.NoError(t, store.Put(ctx, post("P3", "u1", 7)))
	settle(t, e)

	latest := <-updates
	assert.Equal(t, e.Current().Seq, latest.Seq)
	assert.Equal(t, []string{"P3", "P2", "P1"}, rowIDs(latest))

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open)
}

func TestRefreshResetsPagination(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 3), post("P3", "u3", 1))

	e := newEngine(t, store, postsDefinition(), 2)
	settle(t, e)
	e.LoadMore()
	settle(t, e)
	require.Len(t, e.Current().Rows, 3)

	e.Refresh()
	d := settle(t, e)

	v := e.Current()
	assert.Equal(t, []string{"P1", "P2"}, rowIDs(v))
	assert.True(t, v.HasMore)
	assert.Equal(t, 1, d.Pages)
	assert.Equal(t, 2, d.Trackers)
	assert.Equal(t, 0, store.ActiveCount("posts/P3/", "/likes"))
}

func TestChildStatsPublishDuringRefresh(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 3))

	e := newEngine(t, store, postsDefinition(), 10)
	settle(t, e)

	// Hold the engine in the refreshing state as if page 0 had not arrived yet
	onLoop(t, e, func() {
		e.state = LoadingRefresh
		e.dirty = true
	})

	require.NoError(t, store.Put(context.Background(), like("P2", "u3", 6)))
	settle(t, e)

	v := e.Current()
	assert.Equal(t, LoadingRefresh, v.State)
	assert.True(t, v.Loading)
	assert.Equal(t, []string{"P1", "P2"}, rowIDs(v))
	p2, _ := rowByID(v, "P2")
	assert.Equal(t, 1, p2.Stats.Count)
}

func TestFlagAndPriorityOrdering(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("old", "u1", 100), post("new", "u2", 200), like("new", "u3", 201))

	now := time.Unix(250, 0)
	def := postsDefinition()
	def.Flag = func(r Row, at time.Time) bool {
		return r.Stats.Count == 0 && at.Sub(r.Record.CreatedAt) > 100*time.Second
	}
	def.Less = func(a, b Row) bool {
		return a.Flagged && !b.Flagged
	}

	e := New(context.Background(), def, Options{
		Store: store, Viewer: viewer, PageSize: 10,
		Clock: func() time.Time { return now },
	})
	t.Cleanup(e.Close)
	settle(t, e)

	v := e.Current()
	assert.Equal(t, []string{"old", "new"}, rowIDs(v))
	assert.True(t, v.Rows[0].Flagged)

	// Answering the old post clears its flag; recency ordering resumes
	require.NoError(t, store.Put(context.Background(), like("old", "u4", 260)))
	settle(t, e)
	assert.Equal(t, []string{"new", "old"}, rowIDs(e.Current()))
}

func TestInvalidateRecomputesTimeDrivenFlags(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 100))

	now := time.Unix(150, 0)
	def := postsDefinition()
	def.Flag = func(r Row, at time.Time) bool {
		return at.Sub(r.Record.CreatedAt) > time.Minute
	}

	e := New(context.Background(), def, Options{
		Store: store, Viewer: viewer, PageSize: 10,
		Clock: func() time.Time { return now },
	})
	t.Cleanup(e.Close)
	settle(t, e)
	assert.False(t, e.Current().Rows[0].Flagged)

	onLoop(t, e, func() { now = time.Unix(200, 0) })
	e.Invalidate()
	settle(t, e)
	assert.True(t, e.Current().Rows[0].Flagged)
}

func TestSharedBlockSource(t *testing.T) {
	store := docstoretest.New()
	store.Seed(post("P1", "u1", 5), post("P2", "u2", 3))

	src := &staticBlocks{set: blocks.NewSet(1, []string{"u2"}, nil)}
	e := New(context.Background(), postsDefinition(), Options{Store: store, Viewer: viewer, PageSize: 10, Blocks: src})
	settle(t, e)
	assert.Equal(t, []string{"P1"}, rowIDs(e.Current()))

	// An older snapshot delivered late does not win
	src.emit(blocks.NewSet(3, nil, nil))
	src.emit(blocks.NewSet(2, []string{"u1", "u2"}, nil))
	settle(t, e)
	assert.Equal(t, []string{"P1", "P2"}, rowIDs(e.Current()))

	e.Close()
	assert.Nil(t, src.listener)
	// The engine does not own a shared source's subscriptions
	assert.Equal(t, 0, store.ActiveCount("blocks", ""))
}

type staticBlocks struct {
	set      *blocks.Set
	listener blocks.Listener
}

func (s *staticBlocks) Current() *blocks.Set { return s.set }

func (s *staticBlocks) Watch(fn blocks.Listener) func() {
	s.listener = fn
	fn(s.set, nil)
	return func() { s.listener = nil }
}

func (s *staticBlocks) emit(set *blocks.Set) {
	s.listener(set, nil)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "loading_more", LoadingMore.String())
	assert.Equal(t, "unknown", State(42).String())
}
