package store

import (
	"context"
	"sync"

	"github.com/therepai/companion/internal/model"
)

// Memory is an in-process Backend. Nothing survives a restart.
type Memory struct {
	mu      sync.RWMutex
	threads map[string]map[string]*model.Thread
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		threads: make(map[string]map[string]*model.Thread),
	}
}

// Name returns the backend name.
func (m *Memory) Name() string {
	return "memory"
}

// Load returns copies of the owner's threads.
func (m *Memory) Load(ctx context.Context, owner string) ([]*model.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.Thread, 0, len(m.threads[owner]))
	for _, t := range m.threads[owner] {
		out = append(out, t.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

// Save stores a copy of the thread.
func (m *Memory) Save(ctx context.Context, thread *model.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned, ok := m.threads[thread.Owner]
	if !ok {
		owned = make(map[string]*model.Thread)
		m.threads[thread.Owner] = owned
	}
	owned[thread.ID] = thread.Clone()
	return nil
}

// Delete removes a thread.
func (m *Memory) Delete(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.threads[owner], id)
	return nil
}

// Len returns the number of threads stored for owner.
func (m *Memory) Len(owner string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.threads[owner])
}
