package features

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/ops"
)

// Threshold is the live urgency threshold. The configured default applies until the
// settings/urgency document supplies a positive minutes value.
type Threshold struct {
	fallback time.Duration
	logger   *ops.Logger

	mu       sync.RWMutex
	value    time.Duration
	onChange []func(time.Duration)
	unsub    docstore.Unsubscribe
}

// StaticThreshold returns a threshold that never changes
func StaticThreshold(d time.Duration) *Threshold {
	return &Threshold{fallback: d, value: d, logger: ops.Discard()}
}

// WatchThreshold subscribes to the urgency settings document
func WatchThreshold(ctx context.Context, store docstore.Subscriber, fallback time.Duration, logger *ops.Logger) (*Threshold, error) {
	if logger == nil {
		logger = ops.Discard()
	}
	t := &Threshold{
		fallback: fallback,
		value:    fallback,
		logger:   logger.WithComponent("threshold"),
	}

	unsub, err := store.Subscribe(ctx, docstore.Query{Collection: CollectionSettings}, t.apply)
	if err != nil {
		return nil, fmt.Errorf("failed to watch urgency setting: %w", err)
	}

	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()
	return t, nil
}

func (t *Threshold) apply(snap docstore.Snapshot) {
	if snap.Err != nil {
		// keep the last good value
		t.logger.LogSubscription(CollectionSettings, false, snap.Err)
		return
	}

	next := t.fallback
	for _, doc := range snap.Docs {
		if doc.ID != SettingUrgency {
			continue
		}
		if minutes, err := strconv.Atoi(doc.Field(FieldMinutes)); err == nil && minutes > 0 {
			next = time.Duration(minutes) * time.Minute
		} else {
			t.logger.Warn("ignoring invalid urgency setting", "minutes", doc.Field(FieldMinutes))
		}
	}

	t.mu.Lock()
	changed := next != t.value
	t.value = next
	listeners := append([]func(time.Duration){}, t.onChange...)
	t.mu.Unlock()

	if !changed {
		return
	}
	t.logger.Info("urgency threshold changed", "threshold", next)
	for _, fn := range listeners {
		fn(next)
	}
}

// Value returns the current threshold
func (t *Threshold) Value() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.value
}

// OnChange registers a callback invoked after the threshold changes
func (t *Threshold) OnChange(fn func(time.Duration)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// Close stops watching the settings document
func (t *Threshold) Close() {
	t.mu.Lock()
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
