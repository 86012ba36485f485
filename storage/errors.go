package storage

import (
	"errors"
	"fmt"
)

// Common storage errors.
var (
	// ErrNotFound is returned when a key has never been written.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// PersistenceError wraps a backend read or write failure for a key.
type PersistenceError struct {
	Op  string
	Key string
	err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.err)
}

func (e *PersistenceError) Unwrap() error {
	return e.err
}

// NewPersistenceError wraps err as a persistence failure of op on key.
func NewPersistenceError(op, key string, err error) error {
	return &PersistenceError{Op: op, Key: key, err: err}
}

// IsPersistence reports whether err is a persistence failure.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
