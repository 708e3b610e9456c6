package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/livefeed/internal/config"
	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/ops"
)

// Storage is the local realtime document store: a Khatru relay over an eventstore backend
// that re-runs live queries whenever a document in their collection changes.
type Storage struct {
	relay   *khatru.Relay
	backend eventstore.Store
	config  *config.Storage
	logger  *ops.Logger
	now     func() time.Time

	secretKey string
	publicKey string

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	// writeMu serializes version assignment so per-path created_at stays strictly increasing
	writeMu sync.Mutex

	hooksMu sync.RWMutex
	onWrite []func(ev nostr.Event)
}

// Option configures a Storage
type Option func(*Storage)

// WithSecretKey sets the key used to sign stored documents
func WithSecretKey(sk string) Option {
	return func(s *Storage) { s.secretKey = sk }
}

// WithLogger sets the storage logger
func WithLogger(l *ops.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// WithClock overrides the write clock
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// New creates a new Storage instance with the given configuration
func New(ctx context.Context, cfg *config.Storage, opts ...Option) (*Storage, error) {
	s := &Storage{
		config: cfg,
		logger: ops.Discard(),
		now:    time.Now,
		subs:   make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.secretKey == "" {
		s.secretKey = nostr.GeneratePrivateKey()
	}
	pk, err := nostr.GetPublicKey(s.secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid node key: %w", err)
	}
	s.publicKey = pk

	// Initialize the appropriate backend
	switch cfg.Driver {
	case "sqlite":
		if err := s.initSQLite(); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
	case "memory":
		if err := s.initMemory(); err != nil {
			return nil, fmt.Errorf("failed to initialize memory store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	s.initRelay()

	return s, nil
}

func (s *Storage) initSQLite() error {
	if dir := filepath.Dir(s.config.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	backend := &sqlite3.SQLite3Backend{
		DatabaseURL: s.config.SQLitePath,
		QueryLimit:  s.config.QueryLimit,
	}
	if err := backend.Init(); err != nil {
		return err
	}
	s.backend = backend
	return nil
}

func (s *Storage) initMemory() error {
	backend := &slicestore.SliceStore{MaxLimit: s.config.QueryLimit}
	if err := backend.Init(); err != nil {
		return err
	}
	s.backend = backend
	return nil
}

func (s *Storage) initRelay() {
	relay := khatru.NewRelay()

	relay.StoreEvent = append(relay.StoreEvent, s.backend.SaveEvent)
	relay.ReplaceEvent = append(relay.ReplaceEvent, s.backend.ReplaceEvent)
	relay.QueryEvents = append(relay.QueryEvents, s.backend.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, s.backend.DeleteEvent)

	// Only document events are accepted over the wire
	relay.RejectEvent = append(relay.RejectEvent, func(ctx context.Context, event *nostr.Event) (bool, string) {
		if event.Kind != docstore.KindDocument {
			return true, "blocked: only document events are accepted"
		}
		return false, ""
	})

	// Writes arriving through the relay endpoint refresh live queries too
	relay.OnEventSaved = append(relay.OnEventSaved, func(ctx context.Context, event *nostr.Event) {
		doc, err := docstore.FromEvent(event)
		if err != nil {
			return
		}
		s.notify(doc.Collection)
	})

	s.relay = relay
}

// Relay returns the underlying Khatru relay instance
func (s *Storage) Relay() *khatru.Relay {
	return s.relay
}

// PublicKey returns the node's signing public key
func (s *Storage) PublicKey() string {
	return s.publicKey
}

// QueryEvents queries events from the Khatru relay using Nostr filters
func (s *Storage) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if s.relay == nil {
		return nil, fmt.Errorf("relay not initialized")
	}

	// Use the first QueryEvents handler (eventstore)
	if len(s.relay.QueryEvents) == 0 {
		return nil, fmt.Errorf("no query handlers configured")
	}

	ch, err := s.relay.QueryEvents[0](ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	// Collect events from channel
	var events []*nostr.Event
	for event := range ch {
		events = append(events, event)
	}

	return events, nil
}

// query evaluates a document query against the current store contents
func (s *Storage) query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	events, err := s.QueryEvents(ctx, docstore.Filter(q))
	if err != nil {
		return nil, err
	}
	return q.Apply(docstore.Latest(events)), nil
}

// Get reads the current version of a single document
func (s *Storage) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	start := time.Now()
	events, err := s.QueryEvents(ctx, docstore.PathFilter(collection, id))
	if err != nil {
		s.logger.LogStoreOperation("get", collection+"/"+id, time.Since(start), err)
		return docstore.Document{}, err
	}

	docs := docstore.Latest(events)
	if len(docs) == 0 || docs[0].Deleted {
		return docstore.Document{}, docstore.NotFoundError{Path: collection + "/" + id}
	}
	return docs[0], nil
}

// Put creates or replaces a document and refreshes live queries on its collection
func (s *Storage) Put(ctx context.Context, doc docstore.Document) error {
	if doc.Collection == "" || doc.ID == "" {
		return fmt.Errorf("document requires a collection and id")
	}

	start := time.Now()
	err := s.write(ctx, doc)
	s.logger.LogStoreOperation("put", doc.Path(), time.Since(start), err)
	if err != nil {
		return err
	}

	s.notify(doc.Collection)
	return nil
}

// Delete writes a tombstone for the document
func (s *Storage) Delete(ctx context.Context, collection, id string) error {
	return s.Put(ctx, docstore.Document{
		Collection: collection,
		ID:         id,
		Deleted:    true,
	})
}

func (s *Storage) write(ctx context.Context, doc docstore.Document) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// created_at doubles as the version; keep it strictly increasing per path
	version := s.now()
	previous, err := s.QueryEvents(ctx, docstore.PathFilter(doc.Collection, doc.ID))
	if err != nil {
		return err
	}
	for _, ev := range previous {
		if prev := ev.CreatedAt.Time(); !version.After(prev) {
			version = prev.Add(time.Second)
		}
	}

	ev := docstore.ToEvent(doc, version)
	ev.PubKey = s.publicKey
	if err := ev.Sign(s.secretKey); err != nil {
		return fmt.Errorf("failed to sign document: %w", err)
	}

	for _, handler := range s.relay.ReplaceEvent {
		if err := handler(ctx, &ev); err != nil {
			return fmt.Errorf("failed to store document: %w", err)
		}
	}

	s.hooksMu.RLock()
	hooks := s.onWrite
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
	return nil
}

// OnWrite registers a hook called with every locally written document event.
// Events arriving through Ingest or the relay endpoint do not trigger it.
func (s *Storage) OnWrite(fn func(ev nostr.Event)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onWrite = append(s.onWrite, fn)
}

// Ingest stores a signed document event written elsewhere and refreshes live queries.
// Older versions and duplicates are discarded by the backend.
func (s *Storage) Ingest(ctx context.Context, ev *nostr.Event) error {
	if ev.Kind != docstore.KindDocument {
		return fmt.Errorf("unexpected kind %d", ev.Kind)
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return fmt.Errorf("invalid signature on %s", ev.ID)
	}
	doc, err := docstore.FromEvent(ev)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	for _, handler := range s.relay.ReplaceEvent {
		if err = handler(ctx, ev); err != nil {
			break
		}
	}
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to ingest %s: %w", doc.Path(), err)
	}

	s.notify(doc.Collection)
	return nil
}

// Close closes every live subscription and the backend
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = map[uint64]*subscription{}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	if s.backend != nil {
		s.backend.Close()
	}
	return nil
}
