package nostr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/livefeed/internal/config"
	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/ops"
)

// Client is a document store backed by remote Nostr relays
type Client struct {
	pool        *nostr.SimplePool
	relayConfig *config.Relays
	ctx         context.Context
	logger      *ops.Logger

	secretKey string
	publicKey string

	// versions tracks the last created_at published per path so rapid rewrites stay ordered
	versionsMu sync.Mutex
	versions   map[string]nostr.Timestamp
}

// New creates a new Nostr client with the given configuration.
// secretKey signs published documents; a fresh key is generated when empty.
func New(ctx context.Context, relayConfig *config.Relays, secretKey string, logger *ops.Logger) (*Client, error) {
	if secretKey == "" {
		secretKey = nostr.GeneratePrivateKey()
	}
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid node key: %w", err)
	}
	if logger == nil {
		logger = ops.Discard()
	}

	pool := nostr.NewSimplePool(ctx)
	return &Client{
		pool:        pool,
		relayConfig: relayConfig,
		ctx:         ctx,
		logger:      logger.WithComponent("relays"),
		secretKey:   secretKey,
		publicKey:   pk,
		versions:    make(map[string]nostr.Timestamp),
	}, nil
}

// Pool returns the underlying SimplePool for advanced operations
func (c *Client) Pool() *nostr.SimplePool {
	return c.pool
}

// PublicKey returns the key documents are signed with
func (c *Client) PublicKey() string {
	return c.publicKey
}

// FetchEvents fetches events from the given relays matching the filter. It fails when no
// relay can be reached, and when ctx ends before every reachable relay sent EOSE; in that
// case the events received so far are returned with the error.
func (c *Client) FetchEvents(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error) {
	reachable, err := c.connect(relays)
	if err != nil {
		return nil, err
	}

	events := make([]*nostr.Event, 0)

	// Use SubManyEose to get events and wait for EOSE
	for relayEvent := range c.pool.SubManyEose(ctx, reachable, nostr.Filters{filter}) {
		if relayEvent.Event != nil {
			events = append(events, relayEvent.Event)
		}
	}

	if err := ctx.Err(); err != nil {
		return events, fmt.Errorf("fetch interrupted before EOSE: %w", err)
	}
	return events, nil
}

// connect opens the relays in parallel and returns those that answered
func (c *Client) connect(relays []string) ([]string, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relays to fetch from")
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		reachable = make([]string, 0, len(relays))
		lastErr   error
	)
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			_, err := c.pool.EnsureRelay(url)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Debug("relay unreachable", "relay", url, "error", err)
				lastErr = err
				return
			}
			reachable = append(reachable, url)
		}(url)
	}
	wg.Wait()

	if len(reachable) == 0 {
		return nil, fmt.Errorf("failed to connect to any relay: %w", lastErr)
	}
	return reachable, nil
}

// PublishEvent publishes an event to the given relays
func (c *Client) PublishEvent(ctx context.Context, relays []string, event *nostr.Event) error {
	results := c.pool.PublishMany(ctx, relays, *event)

	var lastErr error
	successCount := 0

	for result := range results {
		if result.Error != nil {
			lastErr = result.Error
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("failed to publish to any relay: %w", lastErr)
	}

	return nil
}

// SubscribeEvents subscribes to events matching the filter on the given relays
// Returns a channel of events that will be closed when the context is cancelled
func (c *Client) SubscribeEvents(ctx context.Context, relays []string, filters nostr.Filters) <-chan *nostr.Event {
	eventChan := make(chan *nostr.Event, 100)

	go func() {
		defer close(eventChan)

		for relayEvent := range c.pool.SubMany(ctx, relays, filters) {
			if relayEvent.Event == nil {
				continue
			}
			select {
			case eventChan <- relayEvent.Event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return eventChan
}

// Subscribe opens a live document query across the seed relays. The first snapshot is
// emitted once every relay has reached EOSE; later events are coalesced with a debounce.
func (c *Client) Subscribe(ctx context.Context, q docstore.Query, fn func(docstore.Snapshot)) (docstore.Unsubscribe, error) {
	relays := c.GetSeedRelays()
	if len(relays) == 0 {
		return nil, fmt.Errorf("no seed relays configured")
	}

	subCtx, cancel := context.WithCancel(ctx)
	acc := newAccumulator(q)

	var mu sync.Mutex
	stopped := false
	emit := func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		fn(acc.snapshot())
	}

	go func() {
		since := nostr.Now()

		fetchCtx, cancelFetch := context.WithTimeout(subCtx, c.GetDefaultTimeout())
		events, err := c.FetchEvents(fetchCtx, relays, docstore.Filter(q))
		cancelFetch()
		if subCtx.Err() != nil {
			return
		}
		acc.addAll(events)
		if err != nil {
			acc.setErr(fmt.Errorf("initial fetch %s: %w", q.Collection, err))
		}
		emit()

		debounced := debounce.New(c.GetDebounce())
		live := docstore.Filter(q)
		live.Since = &since
		for ev := range c.SubscribeEvents(subCtx, relays, nostr.Filters{live}) {
			if acc.add(ev) {
				debounced(emit)
			}
		}
	}()

	c.logger.LogSubscription(q.Collection, true, nil)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			mu.Lock()
			stopped = true
			mu.Unlock()
			c.logger.LogSubscription(q.Collection, false, nil)
		})
	}, nil
}

// Get reads the newest version of a document from the seed relays
func (c *Client) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.GetDefaultTimeout())
	defer cancel()

	start := time.Now()
	events, err := c.FetchEvents(fetchCtx, c.GetSeedRelays(), docstore.PathFilter(collection, id))
	if err != nil {
		c.logger.LogStoreOperation("get", collection+"/"+id, time.Since(start), err)
		return docstore.Document{}, err
	}

	docs := docstore.Latest(events)
	if len(docs) == 0 || docs[0].Deleted {
		return docstore.Document{}, docstore.NotFoundError{Path: collection + "/" + id}
	}
	return docs[0], nil
}

// Put signs and publishes a document
func (c *Client) Put(ctx context.Context, doc docstore.Document) error {
	if doc.Collection == "" || doc.ID == "" {
		return fmt.Errorf("document requires a collection and id")
	}

	ev := docstore.ToEvent(doc, time.Now())
	ev.CreatedAt = c.nextVersion(doc.Path(), ev.CreatedAt)
	ev.PubKey = c.publicKey
	if err := ev.Sign(c.secretKey); err != nil {
		return fmt.Errorf("failed to sign document: %w", err)
	}

	start := time.Now()
	err := c.PublishEvent(ctx, c.GetSeedRelays(), &ev)
	c.logger.LogStoreOperation("put", doc.Path(), time.Since(start), err)
	return err
}

func (c *Client) nextVersion(path string, at nostr.Timestamp) nostr.Timestamp {
	c.versionsMu.Lock()
	defer c.versionsMu.Unlock()

	if last, ok := c.versions[path]; ok && at <= last {
		at = last + 1
	}
	c.versions[path] = at
	return at
}

// Delete publishes a tombstone for the document
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.Put(ctx, docstore.Document{Collection: collection, ID: id, Deleted: true})
}

// Close closes all relay connections
func (c *Client) Close() {
	c.pool.Close("client shutting down")
}

// GetSeedRelays returns the configured seed relays that are valid relay URLs
func (c *Client) GetSeedRelays() []string {
	if c.relayConfig == nil {
		return []string{}
	}
	seeds := make([]string, 0, len(c.relayConfig.Seeds))
	for _, seed := range c.relayConfig.Seeds {
		if ValidateRelayURL(seed) {
			seeds = append(seeds, nostr.NormalizeURL(seed))
		}
	}
	return seeds
}

// GetDefaultTimeout returns the configured timeout duration
func (c *Client) GetDefaultTimeout() time.Duration {
	if c.relayConfig == nil || c.relayConfig.Policy.ConnectTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.relayConfig.Policy.ConnectTimeoutMs) * time.Millisecond
}

// GetDebounce returns the snapshot coalescing window
func (c *Client) GetDebounce() time.Duration {
	if c.relayConfig == nil || c.relayConfig.Policy.DebounceMs == 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.relayConfig.Policy.DebounceMs) * time.Millisecond
}

// ValidateRelayURL performs basic validation on a relay URL
func ValidateRelayURL(url string) bool {
	return nostr.IsValidRelayURL(url)
}
