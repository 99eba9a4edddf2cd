package store

import (
	"errors"
)

// Error definitions
var (
	// ErrMiss is returned for missing, stale or below-floor entries. It is a
	// normal outcome, not a failure.
	ErrMiss = errors.New("versioned cache miss")

	// ErrLockTimeout is returned when a lock cannot be acquired within the
	// configured wait. Callers must surface it as a build failure rather
	// than proceed with possibly-partial data.
	ErrLockTimeout = errors.New("timed out waiting for cache lock")

	// ErrNotLockOwner is returned when releasing a lock the token no longer
	// owns (expired and possibly reacquired by someone else).
	ErrNotLockOwner = errors.New("lock not held by this owner")

	// ErrNotConnected is returned when an operation is attempted on a store
	// that is not connected.
	ErrNotConnected = errors.New("store not connected")
)
