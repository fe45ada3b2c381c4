package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	registryKey = "mycelium:instances"

	// activeWindow is how stale a heartbeat may be before the instance is
	// considered gone.
	activeWindow = 60 * time.Second
)

// InstanceRegistry tracks live broker instances in a shared Redis hash. Each
// instance heartbeats its own field; readers filter out stale entries.
type InstanceRegistry struct {
	client     *redis.Client
	clock      clockwork.Clock
	instanceID string
	heartbeat  time.Duration
	version    string
}

// InstanceInfo is one instance's registry entry.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
}

func NewInstanceRegistry(client *redis.Client, clock clockwork.Clock, instanceID string, heartbeat time.Duration, version string) *InstanceRegistry {
	return &InstanceRegistry{
		client:     client,
		clock:      clock,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		version:    version,
	}
}

// Start registers immediately, then heartbeats until ctx is cancelled, then
// unregisters.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) register(ctx context.Context) {
	info := InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
	}

	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	r.client.HSet(ctx, registryKey, r.instanceID, data)
}

func (r *InstanceRegistry) unregister() {
	r.client.HDel(context.Background(), registryKey, r.instanceID)
}

// ActiveInstances returns the entries of every instance with a fresh
// heartbeat.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.client.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return nil, err
	}

	now := r.clock.Now().Unix()
	infos := make([]InstanceInfo, 0, len(entries))
	for _, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if now-info.Timestamp < int64(activeWindow.Seconds()) {
			infos = append(infos, info)
		}
	}
	return infos, nil
}
