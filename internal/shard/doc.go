// Package shard implements the group/replica topology for channels too large
// for one membership table. A Group routes each shard key to a bounded set of
// Replicas; every Replica owns the sockets assigned to it and runs its own
// membership and broadcast logic, while cross-replica traffic fans out
// through the Group.
package shard
