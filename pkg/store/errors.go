package store

import "errors"

// ErrUnavailable is returned when the store cluster cannot be reached.
// Callers (scheduler, reconciler, router index builders) retry with
// backoff rather than propagate this to an HTTP client directly.
var ErrUnavailable = errors.New("store unavailable")

// ErrConflict is returned by CompareAndSwap when the expected revision
// no longer matches, meaning another writer updated the key first.
var ErrConflict = errors.New("store conflict: stale revision")

// ErrNotFound is returned when a Get targets a key that doesn't exist.
var ErrNotFound = errors.New("store: key not found")
