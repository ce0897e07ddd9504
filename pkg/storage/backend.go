// Package storage provides the durable state layer for executions.
package storage

import (
	"context"
	"errors"
	"time"
)

// Errors returned by storage backends and the execution store
var (
	ErrKeyNotFound       = errors.New("key not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

// Backend is the key/value persistence contract consumed by the
// execution store. Implementations provide per-key TTL, atomic
// set-add/set-remove, and append-only lists.
type Backend interface {
	// Initialize sets up the backend
	Initialize() error

	// Close cleans up resources
	Close() error

	// Get retrieves the value for a key
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a TTL; ttl <= 0 means no expiry
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key
	Delete(ctx context.Context, key string) error

	// SetAdd adds a member to the set at key
	SetAdd(ctx context.Context, key string, member string) error

	// SetRemove removes a member from the set at key
	SetRemove(ctx context.Context, key string, member string) error

	// SetMembers returns all members of the set at key
	SetMembers(ctx context.Context, key string) ([]string, error)

	// ListAppend appends a value to the list at key and refreshes its TTL
	ListAppend(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// ListRange returns all values of the list at key in insertion order
	ListRange(ctx context.Context, key string) ([][]byte, error)
}

// Sweeper is implemented by backends without native TTL expiry; Sweep
// deletes entries whose TTL window has elapsed.
type Sweeper interface {
	Sweep() int
}
