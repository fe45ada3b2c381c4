// Package auth resolves connection credentials into an identity. Clients
// authenticate either with a raw API key (trusted backends) or with a signed
// bearer token minted by the app's own backend (untrusted clients). Tokens may
// embed a capability override that narrows what the underlying key allows.
package auth
