package shard

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gmencz/mycelium/internal/broker"
)

// DefaultReplicaCapacity is the per-replica connection limit when none is
// configured.
const DefaultReplicaCapacity = 100

// Group routes shard keys to replicas. Replicas are created lazily, one at a
// time as existing ones fill; among replicas with spare capacity the least
// loaded wins, which keeps shards balanced as connections churn.
type Group struct {
	mu       sync.Mutex
	capacity int
	shards   map[string][]*Replica
	logger   *slog.Logger
}

func NewGroup(replicaCapacity int, logger *slog.Logger) *Group {
	if replicaCapacity <= 0 {
		replicaCapacity = DefaultReplicaCapacity
	}
	return &Group{
		capacity: replicaCapacity,
		shards:   make(map[string][]*Replica),
		logger:   logger,
	}
}

// Join places a connection into a replica for the shard key, creating one
// when every existing replica is full. Returns the replica the connection
// landed in.
func (g *Group) Join(shardKey, connID string, w *broker.Writer) (*Replica, error) {
	for {
		replica := g.route(shardKey)
		err := replica.join(connID, w)
		if err == nil {
			return replica, nil
		}
		if !errors.Is(err, ErrReplicaFull) {
			return nil, err
		}
		// Lost the race for the last slot. Route again; a new replica is
		// created if needed.
	}
}

// route picks the least-loaded replica with spare capacity, creating a new
// one when all are full.
func (g *Group) route(shardKey string) *Replica {
	g.mu.Lock()
	defer g.mu.Unlock()

	var best *Replica
	for _, r := range g.shards[shardKey] {
		if r.Connections() >= g.capacity {
			continue
		}
		if best == nil || r.Connections() < best.Connections() {
			best = r
		}
	}
	if best != nil {
		return best
	}

	id := fmt.Sprintf("%s/%d", shardKey, len(g.shards[shardKey]))
	replica := newReplica(id, shardKey, g.capacity, g.logger)
	g.shards[shardKey] = append(g.shards[shardKey], replica)
	g.logger.Info("created shard replica",
		slog.String("shard_key", shardKey), slog.String("replica_id", id))
	return replica
}

// Broadcast fans a frame out to every replica of the shard key. The
// exclusion only matters in the publisher's own replica; sibling replicas do
// not know the connection id and deliver to all of their sockets.
func (g *Group) Broadcast(shardKey string, payload []byte, excludeID string) {
	g.mu.Lock()
	replicas := make([]*Replica, len(g.shards[shardKey]))
	copy(replicas, g.shards[shardKey])
	g.mu.Unlock()

	for _, r := range replicas {
		r.broadcast(payload, excludeID)
	}
}

// Connections aggregates live sockets across every replica of the shard key.
// This is the group's only cross-replica view; per-connection presence stays
// inside each replica.
func (g *Group) Connections(shardKey string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := 0
	for _, r := range g.shards[shardKey] {
		total += r.Connections()
	}
	return total
}

// Replicas reports how many replicas exist for the shard key.
func (g *Group) Replicas(shardKey string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.shards[shardKey])
}

// Shutdown closes every socket in every replica.
func (g *Group) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, replicas := range g.shards {
		for _, r := range replicas {
			r.shutdown()
		}
	}
	g.shards = make(map[string][]*Replica)
}
