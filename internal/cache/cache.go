// Package cache implements the multi-tier caching core of the gateway:
// in-memory LRU tiers, TTL policy resolution, the smart read-through
// orchestrator, the streaming quote cache and memory-pressure eviction.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found in cache
	ErrNotFound = errors.New("cache: key not found")

	// ErrInvalidValue is returned when a cache value is invalid
	ErrInvalidValue = errors.New("cache: invalid value")
)

// Store is the backing-store contract for persisted (warm) tiers.
// Implementations hold opaque byte blobs; envelope encoding is owned
// by this package, not by the store.
type Store interface {
	// Get retrieves a raw blob, ErrNotFound on miss
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a raw blob with TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key
	Delete(ctx context.Context, key string) error

	// Close releases the store connection
	Close() error
}

// PressureEvictable is implemented by tiers that participate in
// memory-pressure eviction.
type PressureEvictable interface {
	// CleanupExpired removes entries past their TTL, returning the count removed
	CleanupExpired() int

	// EvictUnderPressure keeps only the hottest retentionRatio fraction
	// of entries, returning the count removed
	EvictUnderPressure(retentionRatio float64) int

	// Len returns the current entry count
	Len() int

	// Clear removes all entries (administrative reset only)
	Clear()
}
