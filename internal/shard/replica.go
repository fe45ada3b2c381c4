package shard

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/gmencz/mycelium/internal/broker"
)

// ErrReplicaFull reports that a replica reached its connection limit between
// routing and joining. The Group retries with a fresh replica.
var ErrReplicaFull = errors.New("replica is at capacity")

// Replica owns one shard of a channel's connections. Membership and
// broadcast reuse the hub actor, scoped to just this replica's sockets, so a
// replica gives the same delivery semantics as the unsharded broker.
type Replica struct {
	id       string
	shardKey string
	capacity int64

	hub   *broker.Hub
	conns atomic.Int64
}

func newReplica(id, shardKey string, capacity int, logger *slog.Logger) *Replica {
	return &Replica{
		id:       id,
		shardKey: shardKey,
		capacity: int64(capacity),
		hub:      broker.NewHub(logger),
	}
}

// ID identifies the replica within its group.
func (r *Replica) ID() string {
	return r.id
}

// Connections reports the replica's live socket count.
func (r *Replica) Connections() int {
	return int(r.conns.Load())
}

// join claims a slot and registers the connection. The slot is claimed first
// so two racing joins cannot both land in a full replica.
func (r *Replica) join(connID string, w *broker.Writer) error {
	if r.conns.Add(1) > r.capacity {
		r.conns.Add(-1)
		return ErrReplicaFull
	}

	if err := r.hub.Register(connID, w); err != nil {
		r.conns.Add(-1)
		return err
	}
	if err := r.hub.Subscribe(connID, r.shardKey); err != nil {
		r.hub.Remove(connID)
		r.conns.Add(-1)
		return err
	}
	return nil
}

// Leave detaches a connection. Idempotent, like hub removal.
func (r *Replica) Leave(connID string) {
	if len(r.hub.Remove(connID)) > 0 {
		r.conns.Add(-1)
	}
}

// broadcast delivers a frame to this replica's local sockets.
func (r *Replica) broadcast(payload []byte, excludeID string) {
	r.hub.Broadcast(r.shardKey, payload, excludeID)
}

func (r *Replica) shutdown() {
	r.hub.Shutdown()
	r.conns.Store(0)
}
