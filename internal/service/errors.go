package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a thread id is unknown to its owner.
	ErrNotFound = errors.New("conversation not found")

	// ErrPersistence marks a failed backend operation. The in-memory state
	// stays authoritative and the accompanying result is still valid.
	ErrPersistence = errors.New("persistence failure")

	// ErrInvalidRole is returned when appending a message with an unknown role.
	ErrInvalidRole = errors.New("invalid message role")
)

// PersistenceError describes a failed backend operation.
type PersistenceError struct {
	Backend string
	Op      string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Backend, e.Op, e.Err)
}

// Unwrap exposes both ErrPersistence and the backend error.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// IsWarning reports whether err is only a persistence warning, meaning the
// operation itself succeeded.
func IsWarning(err error) bool {
	return err != nil && errors.Is(err, ErrPersistence)
}
