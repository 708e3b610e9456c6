// Package signal fans published feed views out over redis pub/sub.
package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sandwichfarm/livefeed/internal/config"
	"github.com/sandwichfarm/livefeed/internal/feed"
	"github.com/sandwichfarm/livefeed/internal/ops"
)

// Publisher writes views to per-feed redis channels
type Publisher struct {
	rdb    *redis.Client
	prefix string
	logger *ops.Logger
}

// New connects to the configured redis instance
func New(ctx context.Context, cfg *config.Signal, logger *ops.Logger) (*Publisher, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	p := NewWithClient(redis.NewClient(opts), cfg.ChannelPrefix, logger)
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		p.rdb.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return p, nil
}

// NewWithClient wraps an existing client
func NewWithClient(rdb *redis.Client, prefix string, logger *ops.Logger) *Publisher {
	if logger == nil {
		logger = ops.Discard()
	}
	if prefix == "" {
		prefix = "livefeed"
	}
	return &Publisher{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.WithComponent("signal"),
	}
}

// Channel returns the channel name for one feed instance. Features that take an
// argument get it as a trailing segment.
func (p *Publisher) Channel(feature, viewer, arg string) string {
	if arg == "" {
		return fmt.Sprintf("%s:%s:%s", p.prefix, feature, viewer)
	}
	return fmt.Sprintf("%s:%s:%s:%s", p.prefix, feature, viewer, arg)
}

// Publish sends one view
func (p *Publisher) Publish(ctx context.Context, feature, viewer, arg string, v feed.View) error {
	jsonstr, err := json.Marshal(feed.NewPayload(feature, viewer, arg, v))
	if err != nil {
		return err
	}

	return p.rdb.Publish(ctx, p.Channel(feature, viewer, arg), jsonstr).Err()
}

// Follow publishes every view of the engine until ctx is done or the engine closes.
// It blocks; callers run it in its own goroutine.
func (p *Publisher) Follow(ctx context.Context, feature, viewer, arg string, e *feed.Engine) {
	updates, cancel := e.Updates()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-updates:
			if !ok {
				return
			}
			if err := p.Publish(ctx, feature, viewer, arg, v); err != nil && ctx.Err() == nil {
				p.logger.Warn("failed to publish view",
					"channel", p.Channel(feature, viewer, arg),
					"seq", v.Seq,
					"error", err)
			}
		}
	}
}

// Close releases the redis connection
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
