package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Cypherspark/broadcast-engine/internal/core"
)

const statsKeyPrefix = "broadcast:stats:"

// RedisStats keeps short-lived aggregate snapshots so dashboards polling
// stats do not hit the ledger on every request.
type RedisStats struct {
	client *redis.Client
	ttl    time.Duration
}

var _ core.StatsCache = (*RedisStats)(nil)

func NewRedisStats(client *redis.Client, ttl time.Duration) *RedisStats {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &RedisStats{client: client, ttl: ttl}
}

func statsKey(messageID string) string { return statsKeyPrefix + messageID }

func (r *RedisStats) Get(ctx context.Context, messageID string) (core.Stats, bool, error) {
	raw, err := r.client.Get(ctx, statsKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Stats{}, false, nil
	}
	if err != nil {
		return core.Stats{}, false, err
	}
	var st core.Stats
	if err := json.Unmarshal(raw, &st); err != nil {
		return core.Stats{}, false, err
	}
	return st, true, nil
}

func (r *RedisStats) Set(ctx context.Context, messageID string, st core.Stats) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, statsKey(messageID), raw, r.ttl).Err()
}
