// Package config loads and validates the broker configuration from
// environment variables.
package config
