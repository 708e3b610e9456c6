package aggregates

import (
	"context"
	"errors"
	"fmt"

	"github.com/patrickmn/go-cache"
	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/ops"
)

// Probe is a one-shot read answering "has the viewer already interacted with this parent".
// Its answer only fills the gap before the child subscription delivers.
type Probe struct {
	Collection string
	ID         string
}

func (p Probe) key() string {
	return p.Collection + "/" + p.ID
}

// Callback receives stats from a tracker. err is a mid-stream or open error, nil otherwise.
type Callback func(t *Tracker, stats Stats, err error)

// Options configures a Tracker
type Options struct {
	ParentID  string
	Query     docstore.Query
	Aggregate Aggregator

	// Visible reports whether a child author may be counted
	Visible func(author string) bool

	// Dispatch runs fn on the owner's serialization loop
	Dispatch func(fn func())

	OnStats Callback

	// Probe is optional; answers are memoized in ProbeCache when set
	Probe      *Probe
	ProbeCache *cache.Cache

	Logger *ops.Logger
}

// Tracker owns exactly one child subscription for one parent.
// Every method except Open must run on the dispatch loop.
type Tracker struct {
	opts  Options
	unsub docstore.Unsubscribe

	last      []docstore.Document
	stats     Stats
	delivered bool
	disposed  bool
}

// Open starts the child subscription. If it cannot be opened the tracker reports
// degraded stats instead of failing.
func Open(ctx context.Context, store docstore.Store, opts Options) *Tracker {
	if opts.Visible == nil {
		opts.Visible = func(string) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = ops.Discard()
	}

	t := &Tracker{opts: opts}

	unsub, err := store.Subscribe(ctx, opts.Query, func(snap docstore.Snapshot) {
		opts.Dispatch(func() { t.onSnapshot(snap) })
	})
	if err != nil {
		opts.Logger.LogSubscription(opts.Query.Collection, false, err)
		t.stats = Stats{Degraded: true}
		openErr := fmt.Errorf("open %s: %w", opts.Query.Collection, err)
		opts.Dispatch(func() {
			if !t.disposed {
				opts.OnStats(t, t.stats, openErr)
			}
		})
	} else {
		t.unsub = unsub
	}

	// A degraded row can still learn the viewer's interaction from the probe
	if opts.Probe != nil {
		t.startProbe(ctx, store)
	}

	return t
}

// ParentID returns the parent this tracker is scoped to
func (t *Tracker) ParentID() string {
	return t.opts.ParentID
}

// Stats returns the last computed stats
func (t *Tracker) Stats() Stats {
	return t.stats
}

// Delivered reports whether the child subscription has delivered at least once
func (t *Tracker) Delivered() bool {
	return t.delivered
}

// Disposed reports whether Dispose was called
func (t *Tracker) Disposed() bool {
	return t.disposed
}

// Degraded reports whether the subscription failed to open
func (t *Tracker) Degraded() bool {
	return t.unsub == nil
}

func (t *Tracker) onSnapshot(snap docstore.Snapshot) {
	if t.disposed {
		t.opts.Logger.LogStaleCallback("tracker", t.opts.ParentID)
		return
	}

	if snap.Err != nil {
		// Keep the last good stats; surface the error
		t.opts.OnStats(t, t.stats, snap.Err)
		return
	}

	t.last = snap.Docs
	t.delivered = true
	t.recompute()
	t.remember()
	t.opts.OnStats(t, t.stats, nil)
}

// Restat recomputes stats from the last snapshot, used when visibility changes.
// It reports whether the stats changed.
func (t *Tracker) Restat() bool {
	if t.disposed || !t.delivered {
		return false
	}
	before := t.stats
	t.recompute()
	return before != t.stats
}

func (t *Tracker) recompute() {
	visible := make([]docstore.Document, 0, len(t.last))
	for _, child := range t.last {
		if t.opts.Visible(child.Author) {
			visible = append(visible, child)
		}
	}
	t.stats = t.opts.Aggregate(visible)
}

// remember stores the authoritative interaction answer for later trackers of the same row
func (t *Tracker) remember() {
	if t.opts.Probe == nil || t.opts.ProbeCache == nil {
		return
	}
	t.opts.ProbeCache.SetDefault(t.opts.Probe.key(), t.stats.Mine)
}

func (t *Tracker) startProbe(ctx context.Context, store docstore.Store) {
	probe := *t.opts.Probe

	if t.opts.ProbeCache != nil {
		if v, ok := t.opts.ProbeCache.Get(probe.key()); ok {
			mine := v.(bool)
			t.opts.Dispatch(func() { t.applyProbe(mine) })
			return
		}
	}

	go func() {
		_, err := store.Get(ctx, probe.Collection, probe.ID)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			t.opts.Logger.Debug("interaction probe failed", "path", probe.key(), "error", err)
			return
		}
		mine := err == nil
		t.opts.Dispatch(func() {
			if t.opts.ProbeCache != nil && !t.delivered && !t.disposed {
				t.opts.ProbeCache.SetDefault(probe.key(), mine)
			}
			t.applyProbe(mine)
		})
	}()
}

// applyProbe fills the interaction flag only while no snapshot has delivered a fresher answer
func (t *Tracker) applyProbe(mine bool) {
	if t.disposed || t.delivered {
		t.opts.Logger.LogStaleCallback("probe", t.opts.ParentID)
		return
	}
	if t.stats.Mine == mine {
		return
	}
	t.stats.Mine = mine
	t.opts.OnStats(t, t.stats, nil)
}

// Dispose unsubscribes; idempotent. Callbacks arriving afterwards are dropped.
func (t *Tracker) Dispose() {
	if t.disposed {
		return
	}
	t.disposed = true
	if t.unsub != nil {
		t.unsub()
	}
}
