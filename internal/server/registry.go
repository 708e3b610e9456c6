package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/robfig/cron/v3"
	"github.com/sandwichfarm/livefeed/internal/blocks"
	"github.com/sandwichfarm/livefeed/internal/config"
	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/features"
	"github.com/sandwichfarm/livefeed/internal/feed"
	"github.com/sandwichfarm/livefeed/internal/ops"
	"github.com/sandwichfarm/livefeed/internal/signal"
)

// Key identifies one feed instance
type Key struct {
	Feature string
	Viewer  string
	Arg     string
}

func (k Key) String() string {
	return strings.Join([]string{k.Feature, k.Viewer, k.Arg}, "|")
}

// instance is one live engine plus its fan-out
type instance struct {
	key    Key
	engine *feed.Engine
	cancel context.CancelFunc
}

// session is per-viewer state shared by all of the viewer's engines
type session struct {
	filter *blocks.Filter
	probes *cache.Cache
	refs   int
}

// Registry owns the live engines. Idle engines are evicted and closed; engines with
// live holders are kept alive by the tick.
type Registry struct {
	ctx       context.Context
	cancel    context.CancelFunc
	store     docstore.Store
	cfg       config.Feed
	threshold *features.Threshold
	publisher *signal.Publisher
	logger    *ops.Logger

	// mu serializes engine creation
	mu      sync.Mutex
	engines *cache.Cache

	sessionsMu sync.Mutex
	sessions   map[string]*session

	// holders counts long-lived consumers per key
	holders *xsync.MapOf[string, int]

	cron   *cron.Cron
	closed atomic.Bool
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithThreshold sets the live urgency threshold used by pending feeds
func WithThreshold(t *features.Threshold) RegistryOption {
	return func(r *Registry) { r.threshold = t }
}

// WithPublisher fans every engine's views out over redis
func WithPublisher(p *signal.Publisher) RegistryOption {
	return func(r *Registry) { r.publisher = p }
}

// WithRegistryLogger sets the registry logger
func WithRegistryLogger(l *ops.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry
func NewRegistry(ctx context.Context, store docstore.Store, cfg config.Feed, opts ...RegistryOption) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		ctx:      ctx,
		cancel:   cancel,
		store:    store,
		cfg:      cfg,
		logger:   ops.Discard(),
		sessions: make(map[string]*session),
		holders:  xsync.NewMapOf[string, int](),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("registry")

	if r.threshold == nil {
		r.threshold = features.StaticThreshold(cfg.UrgentAfter())
	}
	r.threshold.OnChange(func(d time.Duration) {
		r.invalidate(func(k Key) bool { return k.Feature == features.Pending })
	})

	idle := cfg.IdleTimeout()
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	r.engines = cache.New(idle, idle/2)
	r.engines.OnEvicted(func(k string, v interface{}) {
		inst := v.(*instance)
		r.logger.Debug("closing engine", "key", k)
		inst.close()
		r.releaseSession(inst.key.Viewer)
	})

	return r
}

// Start schedules the periodic tick
func (r *Registry) Start() error {
	tick := r.cfg.Tick()
	if tick <= 0 {
		tick = 30 * time.Second
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", tick), r.Tick); err != nil {
		return fmt.Errorf("failed to schedule tick: %w", err)
	}
	r.cron.Start()
	return nil
}

// Tick refreshes time-driven flags on every engine and keeps held engines alive
func (r *Registry) Tick() {
	r.invalidate(func(Key) bool { return true })

	r.holders.Range(func(key string, n int) bool {
		r.touch(key)
		return true
	})
}

func (r *Registry) invalidate(match func(Key) bool) {
	for _, item := range r.engines.Items() {
		inst := item.Object.(*instance)
		if match(inst.key) {
			inst.engine.Invalidate()
		}
	}
}

func (r *Registry) touch(key string) {
	if v, ok := r.engines.Get(key); ok {
		r.engines.SetDefault(key, v)
	}
}

// Acquire returns the engine for key, creating it on first use
func (r *Registry) Acquire(key Key) (*feed.Engine, error) {
	if r.closed.Load() {
		return nil, feed.ErrClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := key.String()
	if v, ok := r.engines.Get(id); ok {
		r.engines.SetDefault(id, v)
		return v.(*instance).engine, nil
	}
	// an expired entry not yet collected must still be closed
	r.engines.Delete(id)

	def, err := features.Definition(key.Feature, features.Params{
		Viewer:    key.Viewer,
		Arg:       key.Arg,
		Threshold: r.threshold,
	})
	if err != nil {
		return nil, err
	}

	sess := r.acquireSession(key.Viewer)
	opts := feed.Options{
		Store:      r.store,
		Viewer:     key.Viewer,
		PageSize:   r.cfg.PageSize,
		ProbeCache: sess.probes,
		Logger:     r.logger,
	}
	// a nil source lets the engine open its own filter and surface the failure
	if sess.filter != nil {
		opts.Blocks = sess.filter
	}

	ctx, cancel := context.WithCancel(r.ctx)
	inst := &instance{
		key:    key,
		engine: feed.New(ctx, def, opts),
		cancel: cancel,
	}
	if r.publisher != nil {
		go r.publisher.Follow(ctx, key.Feature, key.Viewer, key.Arg, inst.engine)
	}

	r.engines.SetDefault(id, inst)
	r.logger.Debug("engine opened", "key", id)
	return inst.engine, nil
}

// Hold marks key as in use by a long-lived consumer until release is called
func (r *Registry) Hold(key Key) (release func()) {
	id := key.String()
	r.holders.Compute(id, func(n int, loaded bool) (int, bool) {
		return n + 1, false
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			r.holders.Compute(id, func(n int, loaded bool) (int, bool) {
				return n - 1, n <= 1
			})
			r.touch(id)
		})
	}
}

// Holders returns the number of live holders of key
func (r *Registry) Holders(key Key) int {
	n, _ := r.holders.Load(key.String())
	return n
}

// Len returns the number of live engines
func (r *Registry) Len() int {
	return r.engines.ItemCount()
}

// Evict closes the engine for key, if any
func (r *Registry) Evict(key Key) {
	r.engines.Delete(key.String())
}

// Close stops the tick and closes every engine
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}

	r.mu.Lock()
	for id := range r.engines.Items() {
		r.engines.Delete(id)
	}
	r.mu.Unlock()

	r.cancel()
}

func (r *Registry) acquireSession(viewer string) *session {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	sess, ok := r.sessions[viewer]
	if !ok {
		sess = &session{probes: cache.New(r.cfg.ProbeTTL(), r.cfg.ProbeTTL())}
		filter, err := blocks.Open(r.ctx, r.store, viewer, r.logger)
		if err != nil {
			r.logger.Warn("shared block filter unavailable", "viewer", viewer, "error", err)
		} else {
			sess.filter = filter
		}
		r.sessions[viewer] = sess
	}
	sess.refs++
	return sess
}

func (r *Registry) releaseSession(viewer string) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	sess, ok := r.sessions[viewer]
	if !ok {
		return
	}
	sess.refs--
	if sess.refs > 0 {
		return
	}
	if sess.filter != nil {
		sess.filter.Close()
	}
	delete(r.sessions, viewer)
}

// Sessions returns the number of viewers with live engines
func (r *Registry) Sessions() int {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	return len(r.sessions)
}

func (inst *instance) close() {
	inst.cancel()
	inst.engine.Close()
}
