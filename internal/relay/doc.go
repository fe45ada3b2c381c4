// Package relay moves published messages between broker instances. Every
// publish goes through a relay, even when the publisher and all subscribers
// share an instance, so per-channel delivery order is the bus order
// everywhere. RedisRelay is the clustered implementation; LoopbackRelay
// serves single-node deployments and tests.
package relay
