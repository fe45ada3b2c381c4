// Package database holds the PostgreSQL connection pool and the app/API-key
// repository.
package database
