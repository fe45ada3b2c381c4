package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/gmencz/mycelium/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	counterKeyPrefix = "subscribers:"
	scanBatchSize    = 100
)

// CounterStore implements domain.CounterStore on Redis. Counts live under
// "subscribers:{appId}:{channel}" so the channels endpoint can SCAN one app's
// occupied channels by key prefix.
type CounterStore struct {
	rdb *goredis.Client
}

var _ domain.CounterStore = (*CounterStore)(nil)

// NewCounterStore creates a Redis-backed subscriber counter store.
func NewCounterStore(rdb *goredis.Client) *CounterStore {
	return &CounterStore{rdb: rdb}
}

func counterKey(channel string) string {
	return counterKeyPrefix + channel
}

func (s *CounterStore) Incr(ctx context.Context, channel string) error {
	if err := s.rdb.Incr(ctx, counterKey(channel)).Err(); err != nil {
		return fmt.Errorf("failed to increment subscriber count for %s: %w", channel, err)
	}
	return nil
}

func (s *CounterStore) Decr(ctx context.Context, channel string) error {
	return s.DecrBy(ctx, channel, 1)
}

// decrByDelScript decrements a counter and deletes it when it drops to or
// below zero, in one atomic step. Without the script a crash between DECR and
// DEL would leave a dormant zero counter behind forever.
var decrByDelScript = goredis.NewScript(`
local left = redis.call('DECRBY', KEYS[1], ARGV[1])
if left <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
return left
`)

func (s *CounterStore) DecrBy(ctx context.Context, channel string, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := decrByDelScript.Run(ctx, s.rdb, []string{counterKey(channel)}, n).Err(); err != nil {
		return fmt.Errorf("failed to decrement subscriber count for %s: %w", channel, err)
	}
	return nil
}

// ListChannels scans one page of occupied channels for an app, optionally
// filtered by raw-name prefix. SCAN may return duplicates, so results are
// deduplicated within the page. Returned names are unqualified.
func (s *CounterStore) ListChannels(ctx context.Context, appID, prefix string, cursor uint64) ([]string, uint64, error) {
	keyPrefix := counterKeyPrefix + appID + ":"
	match := keyPrefix + prefix + "*"

	keys, next, err := s.rdb.Scan(ctx, cursor, match, scanBatchSize).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan channels for app %s: %w", appID, err)
	}

	seen := make(map[string]struct{}, len(keys))
	channels := make([]string, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimPrefix(key, keyPrefix)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		channels = append(channels, name)
	}

	return channels, next, nil
}
