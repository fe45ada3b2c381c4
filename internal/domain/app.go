package domain

import "time"

// App is a tenant. Every channel name is qualified with the owning app's ID,
// so two apps can both have a channel called "room-1" without ever seeing
// each other's traffic.
type App struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// APIKey authenticates clients of an app. The secret doubles as the HMAC
// signing key for bearer tokens and is only returned in full once, at
// creation time.
type APIKey struct {
	ID           string
	Secret       string
	AppID        string
	Capabilities CapabilitySet
}

// Auth is the resolved identity of a connection. It is written exactly once
// during the handshake and never mutated afterwards, so no synchronization is
// needed to read it from the session goroutine.
type Auth struct {
	AppID        string
	KeyID        string
	Capabilities CapabilitySet
}
