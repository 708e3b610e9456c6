// Package feed implements the live aggregation engine.
//
// An Engine pages a parent query, opens one child tracker per visible parent, applies the
// viewer's block lists to both parents and children, and publishes a sorted View after every
// change. All state is owned by a single goroutine that consumes an unbounded mailbox;
// store callbacks only post closures to it.
package feed

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sandwichfarm/livefeed/internal/aggregates"
	"github.com/sandwichfarm/livefeed/internal/blocks"
	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/ops"
	"github.com/sandwichfarm/livefeed/internal/paging"
)

// BlockSource supplies live block snapshots
type BlockSource interface {
	Current() *blocks.Set
	Watch(fn blocks.Listener) func()
}

// Options configures an Engine
type Options struct {
	Store    docstore.Store
	Viewer   string
	PageSize int

	// Blocks is shared block state; when nil the engine opens and owns a filter for Viewer
	Blocks BlockSource

	// ProbeCache memoizes interaction probes across engines of one session
	ProbeCache *cache.Cache

	Logger *ops.Logger
	Clock  func() time.Time
}

type entry struct {
	record  docstore.Document
	stats   aggregates.Stats
	tracker *aggregates.Tracker
}

type pageSub struct {
	gen   uint64
	unsub docstore.Unsubscribe
}

// Engine is one live feed for one viewer
type Engine struct {
	def    Definition
	opts   Options
	logger *ops.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mbox   *mailbox
	done   chan struct{}

	// Loop-confined state
	state      State
	errs       map[string]sourceErr
	errSeq     uint64
	loaded     bool
	pager      *paging.Pager
	pages      []*pageSub
	gen        uint64
	arena      map[string]*entry
	set        *blocks.Set
	ownFilter  *blocks.Filter
	unwatch    func()
	dirty      bool
	lastRows   []Row
	lastPublic View

	// Published state
	viewMu   sync.RWMutex
	view     View
	watchers map[uint64]chan View
	nextW    uint64
	closed   bool

	closeOnce sync.Once
}

// New starts an engine and begins loading the first page
func New(ctx context.Context, def Definition, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = ops.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.PageSize < 1 {
		opts.PageSize = 20
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e := &Engine{
		def:      def,
		opts:     opts,
		logger:   opts.Logger.WithComponent("feed").WithFields("feature", def.Name, "viewer", opts.Viewer),
		ctx:      loopCtx,
		cancel:   cancel,
		mbox:     newMailbox(),
		done:     make(chan struct{}),
		state:    Idle,
		pager:    paging.New(def.Parents, opts.PageSize),
		arena:    make(map[string]*entry),
		errs:     make(map[string]sourceErr),
		watchers: make(map[uint64]chan View),
	}
	e.view = View{State: Idle}

	go e.run()
	e.mbox.post(e.start)

	return e
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			e.teardown()
			return
		case <-e.mbox.signal:
		}

		for {
			if e.ctx.Err() != nil {
				break
			}
			fn, ok := e.mbox.pop()
			if !ok {
				break
			}
			fn()
		}
		e.flush()
	}
}

// post schedules fn on the loop; false when the engine is closed
func (e *Engine) post(fn func()) bool {
	return e.mbox.post(fn)
}

func (e *Engine) nextGen() uint64 {
	e.gen++
	return e.gen
}

func (e *Engine) start() {
	e.state = LoadingInitial
	e.dirty = true

	source := e.opts.Blocks
	if source == nil {
		f, err := blocks.Open(e.ctx, e.opts.Store, e.opts.Viewer, e.logger)
		if err != nil {
			// Proceed unfiltered rather than stall; the error is surfaced
			e.setErr(sourceBlocks, err)
			e.set = blocks.NewSet(0, nil, nil)
		} else {
			e.ownFilter = f
			source = f
		}
	}
	if source != nil {
		e.unwatch = source.Watch(func(set *blocks.Set, err error) {
			e.post(func() { e.onBlocks(set, err) })
		})
	}

	e.openPage(0)
}

// openPage (re)subscribes page i with its current query
func (e *Engine) openPage(i int) {
	for len(e.pages) <= i {
		e.pages = append(e.pages, nil)
	}
	if old := e.pages[i]; old != nil && old.unsub != nil {
		old.unsub()
	}

	gen := e.nextGen()
	sub := &pageSub{gen: gen}
	e.pages[i] = sub

	q := e.pager.Query(i)
	unsub, err := e.opts.Store.Subscribe(e.ctx, q, func(snap docstore.Snapshot) {
		e.post(func() { e.onPage(i, gen, snap) })
	})
	if err != nil {
		e.logger.LogSubscription(sourceParents, false, err)
		e.setErr(sourceParents, err)
		// Loading has ended; without a prior page the error is blocking
		e.state = Ready
		e.dirty = true
		return
	}
	sub.unsub = unsub
	e.logger.LogSubscription(sourceParents, true, nil)
}

func (e *Engine) closePages() {
	for _, p := range e.pages {
		if p != nil && p.unsub != nil {
			p.unsub()
		}
	}
	e.pages = nil
}

func (e *Engine) onPage(i int, gen uint64, snap docstore.Snapshot) {
	if i >= len(e.pages) || e.pages[i] == nil || e.pages[i].gen != gen {
		e.logger.LogStaleCallback("page", e.def.Name)
		return
	}

	if snap.Err != nil {
		e.logger.LogSubscription(sourceParents, true, snap.Err)
		e.setErr(sourceParents, snap.Err)
		if i == e.pager.Len()-1 && e.state != Idle {
			e.state = Ready
		}
		e.dirty = true
		return
	}

	e.pager.OnPageFetched(i, snap.Docs)
	e.clearErr(sourceParents)

	if i == e.pager.Len()-1 && e.state != Idle {
		e.state = Ready
		e.loaded = true
	}

	e.reconcile("page")
}

func (e *Engine) onBlocks(set *blocks.Set, err error) {
	if err != nil {
		e.setErr(sourceBlocks, err)
	} else if set != nil {
		e.clearErr(sourceBlocks)
	}
	// Listeners may race; only newer snapshots apply
	if set == nil || (e.set != nil && set.Version <= e.set.Version) {
		return
	}
	e.set = set

	for _, ent := range e.arena {
		if ent.tracker.Restat() {
			ent.stats = ent.tracker.Stats()
		}
	}
	e.reconcile("blocks")
}

func (e *Engine) onStats(t *aggregates.Tracker, stats aggregates.Stats, err error) {
	ent, ok := e.arena[t.ParentID()]
	if !ok || ent.tracker != t {
		e.logger.LogStaleCallback("tracker", t.ParentID())
		return
	}

	ent.stats = stats
	if err != nil {
		e.logger.LogSubscription(childSource(t.ParentID()), true, err)
		e.setErr(childSource(t.ParentID()), err)
	} else if t.Delivered() {
		e.clearErr(childSource(t.ParentID()))
	}
	e.dirty = true
}

func (e *Engine) hidden(user string) bool {
	return e.set.IsHidden(user)
}

// reconcile diffs the visible parent ids against the arena, disposing trackers for parents
// that left and opening trackers for parents that arrived
func (e *Engine) reconcile(trigger string) {
	e.dirty = true
	if e.set == nil || e.state == LoadingRefresh {
		return
	}

	start := time.Now()
	docs := e.pager.Docs()
	visible := make(map[string]docstore.Document, len(docs))
	for _, doc := range docs {
		if !e.hidden(doc.Author) {
			visible[doc.ID] = doc
		}
	}

	for id, ent := range e.arena {
		if _, ok := visible[id]; !ok {
			ent.tracker.Dispose()
			delete(e.arena, id)
			e.clearErr(childSource(id))
		}
	}

	for _, doc := range docs {
		if _, ok := visible[doc.ID]; !ok {
			continue
		}
		if ent, ok := e.arena[doc.ID]; ok {
			ent.record = doc
			continue
		}
		ent := &entry{record: doc}
		e.arena[doc.ID] = ent
		ent.tracker = e.openTracker(doc)
	}

	e.logger.LogReconcile(trigger, len(visible), len(e.arena), time.Since(start))
}

func (e *Engine) openTracker(parent docstore.Document) *aggregates.Tracker {
	opts := aggregates.Options{
		ParentID:  parent.ID,
		Query:     e.def.Child(parent),
		Aggregate: e.def.Aggregate,
		Visible:   func(author string) bool { return !e.hidden(author) },
		Dispatch:  func(fn func()) { e.post(fn) },
		OnStats:   e.onStats,
		Logger:    e.logger,
	}
	if e.def.Probe != nil {
		opts.Probe = e.def.Probe(parent)
		opts.ProbeCache = e.opts.ProbeCache
	}
	return aggregates.Open(e.ctx, e.opts.Store, opts)
}

// merge builds the sorted rows from cached state; it has no side effects.
// While refreshing, the previous rows stay but take fresh stats from the arena.
func (e *Engine) merge() []Row {
	if e.set == nil {
		return e.lastRows
	}

	now := e.opts.Clock()
	var rows []Row
	if e.state == LoadingRefresh {
		rows = make([]Row, 0, len(e.lastRows))
		for _, prev := range e.lastRows {
			ent, ok := e.arena[prev.ID()]
			if !ok || e.hidden(ent.record.Author) {
				continue
			}
			rows = append(rows, e.row(ent, now))
		}
	} else {
		docs := e.pager.Docs()
		rows = make([]Row, 0, len(docs))
		for _, doc := range docs {
			if e.hidden(doc.Author) {
				continue
			}
			ent, ok := e.arena[doc.ID]
			if !ok {
				continue
			}
			rows = append(rows, e.row(ent, now))
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return e.def.less(rows[i], rows[j])
	})
	return rows
}

func (e *Engine) row(ent *entry, now time.Time) Row {
	row := Row{Record: ent.record, Stats: ent.stats}
	if e.def.Flag != nil {
		row.Flagged = e.def.Flag(row, now)
	}
	return row
}

// sourceErr is the unresolved failure of one subscription source
type sourceErr struct {
	err *SubscriptionError
	seq uint64
}

func (e *Engine) setErr(source string, err error) {
	e.errSeq++
	e.errs[source] = sourceErr{err: &SubscriptionError{Source: source, Err: err}, seq: e.errSeq}
	e.dirty = true
}

// clearErr resolves a source once it delivers cleanly or goes away
func (e *Engine) clearErr(source string) {
	if _, ok := e.errs[source]; ok {
		delete(e.errs, source)
		e.dirty = true
	}
}

// currentErr is the most recent unresolved error, or nil when every source is healthy
func (e *Engine) currentErr() error {
	var latest sourceErr
	for _, se := range e.errs {
		if se.seq > latest.seq {
			latest = se
		}
	}
	if latest.err == nil {
		return nil
	}
	return latest.err
}

// flush publishes a new view when anything observable changed
func (e *Engine) flush() {
	if !e.dirty {
		return
	}
	e.dirty = false

	rows := e.merge()
	next := View{
		Rows:        rows,
		Loading:     e.state == LoadingInitial || e.state == LoadingRefresh,
		LoadingMore: e.state == LoadingMore,
		Err:         e.currentErr(),
		HasMore:     e.loaded && e.pager.HasMore(),
		State:       e.state,
		Loaded:      e.loaded,
	}

	prev := e.lastPublic
	if prev.Seq > 0 && sameView(prev, next) {
		return
	}

	e.lastRows = rows
	next.Seq = prev.Seq + 1
	e.lastPublic = next
	e.publish(next)
}

func sameView(a, b View) bool {
	return a.Loading == b.Loading &&
		a.LoadingMore == b.LoadingMore &&
		a.HasMore == b.HasMore &&
		a.State == b.State &&
		a.Loaded == b.Loaded &&
		errors.Is(a.Err, b.Err) && errors.Is(b.Err, a.Err) &&
		reflect.DeepEqual(a.Rows, b.Rows)
}

func (e *Engine) publish(v View) {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	if e.closed {
		return
	}
	e.view = v
	for _, ch := range e.watchers {
		offer(ch, v)
	}
}

// offer replaces any unread view in a latest-wins channel
func offer(ch chan View, v View) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Current returns the latest published view
func (e *Engine) Current() View {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.view
}

// Updates returns a latest-wins channel of views, primed with the current one.
// The channel is closed when the engine closes or cancel is called.
func (e *Engine) Updates() (<-chan View, func()) {
	ch := make(chan View, 1)

	e.viewMu.Lock()
	if e.closed {
		e.viewMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.nextW++
	id := e.nextW
	e.watchers[id] = ch
	ch <- e.view
	e.viewMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.viewMu.Lock()
			defer e.viewMu.Unlock()
			if _, ok := e.watchers[id]; ok {
				delete(e.watchers, id)
				close(ch)
			}
		})
	}
}

// LoadMore requests the next page. It is a no-op while loading or when the last page was short.
func (e *Engine) LoadMore() {
	e.post(func() {
		if e.state != Ready {
			return
		}
		sealed, opened, ok := e.pager.LoadMore()
		if !ok {
			return
		}
		e.state = LoadingMore
		e.dirty = true
		e.openPage(opened)
		e.openPage(sealed)
	})
}

// Refresh resets pagination and re-subscribes the parent query from scratch.
// Rows stay visible until the first page arrives; live trackers for surviving parents are kept.
func (e *Engine) Refresh() {
	e.post(func() {
		if e.state == Idle {
			return
		}
		e.closePages()
		e.pager.Reset()
		if e.loaded {
			e.state = LoadingRefresh
		} else {
			e.state = LoadingInitial
		}
		e.dirty = true
		e.openPage(0)
	})
}

// Invalidate re-runs the merge pass, picking up time-driven flags and changed thresholds
func (e *Engine) Invalidate() {
	e.post(func() {
		e.dirty = true
	})
}

// Close tears down every tracker, page subscription and block watch; idempotent
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		<-e.done
	})
}

// Done is closed once the engine has shut down
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) teardown() {
	e.mbox.close()

	for id, ent := range e.arena {
		ent.tracker.Dispose()
		delete(e.arena, id)
	}
	e.closePages()
	if e.unwatch != nil {
		e.unwatch()
	}
	if e.ownFilter != nil {
		e.ownFilter.Close()
	}

	e.viewMu.Lock()
	e.closed = true
	for id, ch := range e.watchers {
		delete(e.watchers, id)
		close(ch)
	}
	e.viewMu.Unlock()
}

// Diagnostics describes the engine's internal state
type Diagnostics struct {
	Feature     string `json:"feature"`
	Viewer      string `json:"viewer"`
	State       State  `json:"state"`
	Rows        int    `json:"rows"`
	Trackers    int    `json:"trackers"`
	Degraded    int    `json:"degraded"`
	Pages       int    `json:"pages"`
	Parents     int    `json:"parents"`
	BlocksReady bool   `json:"blocks_ready"`
	Hidden      int    `json:"hidden"`
	HasMore     bool   `json:"has_more"`
	Seq         uint64 `json:"seq"`
}

// Diagnostics waits until the mailbox is idle and reports the engine state.
// Tests use it as a barrier.
func (e *Engine) Diagnostics() (Diagnostics, error) {
	result := make(chan Diagnostics, 1)

	var step func()
	step = func() {
		if e.mbox.len() > 0 {
			e.post(step)
			return
		}
		e.flush()
		result <- e.diagnostics()
	}

	if !e.post(step) {
		return Diagnostics{}, ErrClosed
	}
	select {
	case d := <-result:
		return d, nil
	case <-e.done:
		return Diagnostics{}, ErrClosed
	}
}

func (e *Engine) diagnostics() Diagnostics {
	d := Diagnostics{
		Feature:     e.def.Name,
		Viewer:      e.opts.Viewer,
		State:       e.state,
		Rows:        len(e.lastPublic.Rows),
		Trackers:    len(e.arena),
		Pages:       e.pager.Len(),
		Parents:     len(e.pager.Docs()),
		BlocksReady: e.set != nil,
		HasMore:     e.pager.HasMore(),
		Seq:         e.lastPublic.Seq,
	}
	for _, ent := range e.arena {
		if ent.tracker.Degraded() {
			d.Degraded++
		}
	}
	if e.set != nil {
		d.Hidden = len(e.set.Outgoing()) + len(e.set.Incoming())
	}
	return d
}
