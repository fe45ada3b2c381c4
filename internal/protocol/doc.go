// Package protocol defines the JSON wire frames exchanged with clients and
// the application close codes. Frames are a tagged union keyed by the "type"
// field with one decode path per tag, so adding a frame kind is a compile-time
// visible change rather than a new subclass.
package protocol
