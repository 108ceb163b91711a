package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on <prefix><marketId> and caches the latest
// snapshot under the same key for readers that join late
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(addr, prefix string) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

func (p *RedisPublisher) Channel(marketID string) string {
	return p.prefix + marketID
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	val, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}

	channel := p.Channel(ev.MarketID)
	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, channel, val)
	if ev.Snapshot != nil {
		snap, err := json.Marshal(ev.Snapshot)
		if err != nil {
			return fmt.Errorf("redis: encode snapshot: %w", err)
		}
		pipe.Set(ctx, channel, snap, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
