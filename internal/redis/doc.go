// Package redis holds the go-redis client wiring and the Redis-backed
// subscriber counter store.
package redis
