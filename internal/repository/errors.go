package repository

import "errors"

var (
	// ErrNotFound is returned when a row disappeared between two statements
	// of the same operation (e.g. deleted while an update was in flight).
	ErrNotFound = errors.New("not found")

	// ErrUnavailable wraps connection-level failures of the backing store.
	// Callers surface it as "store unreachable" so clients can go offline.
	ErrUnavailable = errors.New("store unavailable")
)

// ErrAlreadyExists is returned when an insert collides with an existing key.
var ErrAlreadyExists = errors.New("already exists")
