// Package kvstore is the small-blob persistence contract used for
// account, tenant, and audit records: get a string by key, put a
// string under a key with an optional TTL. Two backends exist, SQLite
// for single-node deployments and Redis for shared ones.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports an absent (or expired) key.
var ErrNotFound = errors.New("kvstore: key not found")

type Store interface {
	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Put writes value under key. A ttl of zero or less means the
	// entry never expires.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// PutIfAbsent writes only when the key has no live value and
	// reports whether the write happened. This is the store-level
	// guard for get-or-create callers; losing the race is not an
	// error.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Close() error
}
