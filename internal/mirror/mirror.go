// Package mirror keeps the local document store in step with the seed relays: documents
// written elsewhere are pulled in, and local writes are published out.
package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/livefeed/internal/docstore"
	internalnostr "github.com/sandwichfarm/livefeed/internal/nostr"
	"github.com/sandwichfarm/livefeed/internal/ops"
	"github.com/sandwichfarm/livefeed/internal/storage"
)

// Mirror replicates documents between the local store and the seed relays
type Mirror struct {
	local  *storage.Storage
	remote *internalnostr.Client
	logger *ops.Logger

	cursors    *Cursors
	negentropy map[string]bool
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates a mirror; Start begins replication
func New(local *storage.Storage, remote *internalnostr.Client, logger *ops.Logger) *Mirror {
	if logger == nil {
		logger = ops.Discard()
	}
	return &Mirror{
		local:      local,
		remote:     remote,
		logger:     logger.WithComponent("mirror"),
		cursors:    NewCursors(),
		negentropy: make(map[string]bool),
		retryDelay: 5 * time.Second,
	}
}

// Start probes the relays, then pulls from each and publishes local writes
func (m *Mirror) Start(ctx context.Context) error {
	relays := m.remote.GetSeedRelays()
	if len(relays) == 0 {
		return fmt.Errorf("mirror requires at least one seed relay")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, status := range m.remote.CheckRelays(m.ctx) {
		m.negentropy[status.URL] = status.Info != nil && status.Info.SupportsNIP(NIPNegentropy)
	}

	m.local.OnWrite(m.publish)

	for _, url := range relays {
		m.wg.Add(1)
		go m.pull(url, m.negentropy[url])
	}
	return nil
}

// Stop ends replication and waits for the pullers
func (m *Mirror) Stop() {
	m.mu.Lock()
	if m.cancel == nil || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// Cursors exposes the per-relay resume points
func (m *Mirror) Cursors() *Cursors {
	return m.cursors
}

func (m *Mirror) filter(relayURL string) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{docstore.KindDocument},
		Since: m.cursors.Since(relayURL),
	}
}

// pull backfills, then follows the relay live, reconnecting until stopped
func (m *Mirror) pull(relayURL string, useNegentropy bool) {
	defer m.wg.Done()

	for {
		started := nostr.Now()
		if err := m.backfill(relayURL, &useNegentropy); err != nil {
			m.logger.Warn("backfill failed", "relay", relayURL, "error", err)
		}

		live := m.filter(relayURL)
		live.Since = &started
		for ev := range m.remote.SubscribeEvents(m.ctx, []string{relayURL}, nostr.Filters{live}) {
			m.ingest(relayURL, ev)
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.retryDelay):
			m.logger.Debug("resubscribing", "relay", relayURL)
		}
	}
}

func (m *Mirror) backfill(relayURL string, useNegentropy *bool) error {
	filter := m.filter(relayURL)

	if *useNegentropy {
		done, err := m.reconcile(m.ctx, relayURL, filter)
		if err != nil {
			return err
		}
		if done {
			m.cursors.Advance(relayURL, nostr.Now())
			return nil
		}
		*useNegentropy = false
	}

	fetchCtx, cancel := context.WithTimeout(m.ctx, m.remote.GetDefaultTimeout())
	defer cancel()
	events, err := m.remote.FetchEvents(fetchCtx, []string{relayURL}, filter)
	for _, ev := range events {
		m.ingest(relayURL, ev)
	}
	if err != nil {
		return err
	}
	m.logger.Debug("backfill complete", "relay", relayURL, "events", len(events))
	return nil
}

func (m *Mirror) ingest(relayURL string, ev *nostr.Event) {
	if err := m.local.Ingest(m.ctx, ev); err != nil {
		m.logger.Debug("skipping event", "relay", relayURL, "id", ev.ID, "error", err)
		return
	}
	m.cursors.Advance(relayURL, ev.CreatedAt)
}

// publish sends a local write to every seed relay without blocking the writer
func (m *Mirror) publish(ev nostr.Event) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.remote.GetDefaultTimeout())
		defer cancel()
		if err := m.remote.PublishEvent(ctx, m.remote.GetSeedRelays(), &ev); err != nil {
			m.logger.Warn("failed to publish local write", "id", ev.ID, "error", err)
		}
	}()
}
