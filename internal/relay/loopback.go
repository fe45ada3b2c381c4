package relay

import (
	"context"
	"sync"

	"github.com/gmencz/mycelium/internal/domain"
	"github.com/gmencz/mycelium/internal/metrics"
)

// LoopbackRelay is the single-node bus. Publishes are queued and delivered
// asynchronously from one goroutine, matching the Redis relay's ordering: a
// publisher never observes its own delivery synchronously.
type LoopbackRelay struct {
	mu      sync.Mutex
	queue   chan domain.Envelope
	started bool
}

var _ domain.Relay = (*LoopbackRelay)(nil)

func NewLoopbackRelay() *LoopbackRelay {
	return &LoopbackRelay{queue: make(chan domain.Envelope, 1024)}
}

func (r *LoopbackRelay) Publish(ctx context.Context, env domain.Envelope) error {
	select {
	case r.queue <- env:
		metrics.RelayPublished.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen drains the queue into deliver until ctx is cancelled.
func (r *LoopbackRelay) Listen(ctx context.Context, deliver domain.DeliverFunc) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for {
		select {
		case env := <-r.queue:
			metrics.RelayDelivered.Inc()
			deliver(env)
		case <-ctx.Done():
			return
		}
	}
}
