package domain

import "context"

// KeyRepository looks up API keys by ID. Backed by Postgres in production.
type KeyRepository interface {
	GetKey(ctx context.Context, id string) (*APIKey, error)
}

// AppRepository creates apps and their keys.
type AppRepository interface {
	CreateApp(ctx context.Context, name string, capabilities CapabilitySet) (*App, *APIKey, error)
}

// CounterStore tracks per-channel subscriber counts, keyed by qualified
// channel name. Counts exist for introspection (the channels endpoint);
// membership itself lives in the broker's hub. A counter is created by the
// first increment and deleted when it reaches zero so dormant channels leave
// no residue.
type CounterStore interface {
	// Incr increments the subscriber count for a channel.
	Incr(ctx context.Context, channel string) error

	// Decr decrements the subscriber count, deleting the counter at zero.
	Decr(ctx context.Context, channel string) error

	// DecrBy removes n subscribers at once, deleting the counter at zero.
	// Used to flush this instance's contribution during shutdown.
	DecrBy(ctx context.Context, channel string, n int64) error

	// ListChannels returns occupied channel names for an app, optionally
	// filtered by raw-name prefix. Names are returned unqualified. A zero
	// returned cursor means the scan is complete.
	ListChannels(ctx context.Context, appID, prefix string, cursor uint64) (channels []string, next uint64, err error)
}

// Envelope is one published message in transit through the relay. Transient:
// it exists only between acceptance on the publishing instance and delivery
// to subscribers everywhere.
type Envelope struct {
	Channel     string `json:"channel"`
	PublisherID string `json:"publisher_id,omitempty"`
	Data        any    `json:"data"`
}

// Relay decouples local message acceptance from cluster-wide delivery. Every
// publish goes through the relay, even when all subscribers are local, so
// per-channel delivery order is the bus order on every instance.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
}

// DeliverFunc hands a bus envelope to local subscribers of env.Channel,
// skipping the publisher's own connection when env.PublisherID is set.
type DeliverFunc func(env Envelope)
