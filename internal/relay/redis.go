package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gmencz/mycelium/internal/domain"
	"github.com/gmencz/mycelium/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// busTopic is the single pub/sub topic all instances share. Channel routing
// happens on the envelope, not the topic, so one subscription covers every
// channel.
const busTopic = "mycelium:channels"

// RedisRelay fans published envelopes out to the whole fleet over Redis
// pub/sub.
type RedisRelay struct {
	client *redis.Client
	logger *slog.Logger
}

var _ domain.Relay = (*RedisRelay)(nil)

func NewRedisRelay(client *redis.Client, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{client: client, logger: logger}
}

// Publish puts one envelope on the bus. The publishing instance receives its
// own envelope back through Listen like everyone else.
func (r *RedisRelay) Publish(ctx context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		metrics.RelayErrors.WithLabelValues("encode").Inc()
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	if err := r.client.Publish(ctx, busTopic, data).Err(); err != nil {
		metrics.RelayErrors.WithLabelValues("publish").Inc()
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	metrics.RelayPublished.Inc()
	return nil
}

// Listen consumes the bus and hands each envelope to deliver. Started once at
// boot; blocks until ctx is cancelled. A malformed payload is logged and
// skipped, never fatal.
func (r *RedisRelay) Listen(ctx context.Context, deliver domain.DeliverFunc) {
	pubsub := r.client.Subscribe(ctx, busTopic)
	defer func() {
		_ = pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case msg := <-ch:
			if msg == nil {
				return
			}
			var env domain.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				metrics.RelayErrors.WithLabelValues("decode").Inc()
				r.logger.Warn("dropping malformed bus envelope", slog.Any("error", err))
				continue
			}
			metrics.RelayDelivered.Inc()
			deliver(env)
		case <-ctx.Done():
			return
		}
	}
}
