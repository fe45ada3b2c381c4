package broker

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gmencz/mycelium/internal/domain"
)

// MemoryCounterStore is the in-process CounterStore used when no Redis URL is
// configured (single-node mode) and in tests. Same contract as the Redis
// store: counters are created by the first increment and removed at zero.
type MemoryCounterStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

var _ domain.CounterStore = (*MemoryCounterStore)(nil)

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counts: make(map[string]int64)}
}

func (s *MemoryCounterStore) Incr(_ context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[channel]++
	return nil
}

func (s *MemoryCounterStore) Decr(ctx context.Context, channel string) error {
	return s.DecrBy(ctx, channel, 1)
}

func (s *MemoryCounterStore) DecrBy(_ context.Context, channel string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[channel] -= n
	if s.counts[channel] <= 0 {
		delete(s.counts, channel)
	}
	return nil
}

// ListChannels returns the occupied channels of an app, unqualified and
// sorted. The whole listing fits one page, so the returned cursor is always
// zero.
func (s *MemoryCounterStore) ListChannels(_ context.Context, appID, prefix string, _ uint64) ([]string, uint64, error) {
	qualifiedPrefix := domain.QualifyChannel(appID, prefix)

	s.mu.Lock()
	var channels []string
	for channel := range s.counts {
		if strings.HasPrefix(channel, qualifiedPrefix) {
			channels = append(channels, domain.UnqualifyChannel(channel))
		}
	}
	s.mu.Unlock()

	sort.Strings(channels)
	return channels, 0, nil
}

// Count reports the current subscriber count for a qualified channel.
func (s *MemoryCounterStore) Count(channel string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[channel]
}
