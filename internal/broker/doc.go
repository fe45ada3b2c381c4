// Package broker owns live websocket connections: the membership table
// mapping connections to channels (Hub), the per-connection protocol state
// machine (Session), and the buffered writers that shield the broker from
// slow clients.
package broker
