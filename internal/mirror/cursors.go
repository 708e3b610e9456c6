package mirror

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Cursors tracks, per relay, the newest event time pulled so far, so a reconnect
// resumes with since instead of re-fetching everything
type Cursors struct {
	mu    sync.Mutex
	since map[string]nostr.Timestamp
}

// NewCursors returns an empty cursor set
func NewCursors() *Cursors {
	return &Cursors{since: make(map[string]nostr.Timestamp)}
}

// Since returns the resume point for a relay, or nil before the first event
func (c *Cursors) Since(relay string) *nostr.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.since[relay]
	if !ok {
		return nil
	}
	return &ts
}

// Advance moves the relay's cursor forward; it never moves back
func (c *Cursors) Advance(relay string, ts nostr.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.since[relay] {
		c.since[relay] = ts
	}
}
