package mirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip77"
	"github.com/sandwichfarm/livefeed/internal/storage"
)

// NIPNegentropy is the relay capability enabling set reconciliation
const NIPNegentropy = 77

// localStore adapts the local storage to eventstore.Store so nip77 can reconcile into it
type localStore struct {
	storage *storage.Storage
}

func (s *localStore) Init() error { return nil }

// Close is a no-op; the storage is owned by the caller
func (s *localStore) Close() {}

func (s *localStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	events, err := s.storage.QueryEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	ch := make(chan *nostr.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (s *localStore) SaveEvent(ctx context.Context, event *nostr.Event) error {
	return s.storage.Ingest(ctx, event)
}

func (s *localStore) ReplaceEvent(ctx context.Context, event *nostr.Event) error {
	return s.storage.Ingest(ctx, event)
}

// DeleteEvent is unsupported; documents are removed with tombstones
func (s *localStore) DeleteEvent(ctx context.Context, event *nostr.Event) error {
	return fmt.Errorf("delete not supported")
}

// reconcile pulls everything matching filter that the relay has and we lack.
// It returns false when the relay turned out not to speak negentropy.
func (m *Mirror) reconcile(ctx context.Context, relayURL string, filter nostr.Filter) (bool, error) {
	wrapper := &eventstore.RelayWrapper{Store: &localStore{storage: m.local}}

	syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := nip77.NegentropySync(syncCtx, wrapper, relayURL, filter, nip77.Down)
	if err == nil {
		return true, nil
	}
	if isNegentropyUnsupported(err) {
		m.logger.Info("relay rejected negentropy, falling back to REQ", "relay", relayURL, "error", err)
		return false, nil
	}
	return false, fmt.Errorf("negentropy sync failed: %w", err)
}

func isNegentropyUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"unsupported", "unknown message", "neg-err", "negentropy", "invalid"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
