// Package server is the HTTP surface: the websocket upgrade endpoints, the
// management API for apps and channel introspection, and the health and
// metrics endpoints. Admission control happens here, before a socket reaches
// the broker.
package server
