package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable marks failures of a bucket store round-trip.
var ErrStoreUnavailable = errors.New("ratelimit: bucket store unavailable")

// Store persists bucket state per partition key.
type Store interface {
	// Load returns the stored state for key. found is false for keys that
	// were never saved or have expired.
	Load(ctx context.Context, key string) (st State, found bool, err error)
	// Save writes state for key and refreshes its time-to-live.
	Save(ctx context.Context, key string, st State, ttl time.Duration) error
	// Name identifies the backend in decisions, logs and metrics.
	Name() string
}

// KeyLocker is implemented by stores that serialize read-modify-write per
// key. The limiter holds the lock across Load and Save.
type KeyLocker interface {
	LockKey(key string) (unlock func())
}

// Prober is implemented by stores that can report reachability cheaply.
type Prober interface {
	Ping(ctx context.Context) error
}
