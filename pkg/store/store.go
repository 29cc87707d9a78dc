// Package store provides the durable key-value contract the engine persists
// through: continuation records, response cache entries, and memory
// snapshots. Keys expire after a provider-supplied TTL; a zero TTL means no
// expiry.
package store

import (
	"context"
	"time"
)

// Store is the durable key-value contract.
type Store interface {
	// Set writes a value under a key with the given TTL. A zero TTL stores
	// the value without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for a key, and whether it was present and
	// unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes a key and reports whether a live key was removed.
	// The report is what makes single-use continuation tokens work: when
	// two resumes race, exactly one observes true.
	Delete(ctx context.Context, key string) (bool, error)

	// Close releases underlying resources.
	Close() error
}
