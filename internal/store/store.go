// Package store provides the persistence backends behind the conversation
// service.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/therepai/companion/internal/model"
)

var (
	// ErrNotFound is returned when a backend has no record for an id.
	ErrNotFound = errors.New("thread not found")

	// ErrCorrupt marks stored data that could not be decoded. Load returns it
	// next to whatever could still be recovered.
	ErrCorrupt = errors.New("corrupt thread data")
)

// Backend persists threads for an owner. Implementations are used by a single
// writer per owner; the conversation service serializes access.
type Backend interface {
	// Load returns every stored thread for owner, most recently created first.
	Load(ctx context.Context, owner string) ([]*model.Thread, error)

	// Save writes the whole thread, replacing any previous version.
	Save(ctx context.Context, thread *model.Thread) error

	// Delete removes a thread. Deleting a missing thread is not an error.
	Delete(ctx context.Context, owner, id string) error

	// Name identifies the backend in logs and metrics.
	Name() string
}

// sortNewestFirst orders threads by creation time, newest first.
func sortNewestFirst(threads []*model.Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].CreatedAt.After(threads[j].CreatedAt)
	})
}
