// Package storetest holds the behaviour shared by every thread backend, so
// backends living outside package store run the same checks.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therepai/companion/internal/model"
)

// Backend mirrors store.Backend without importing it, so package store can
// use this package from its own tests.
type Backend interface {
	Load(ctx context.Context, owner string) ([]*model.Thread, error)
	Save(ctx context.Context, thread *model.Thread) error
	Delete(ctx context.Context, owner, id string) error
}

// NewThread returns an empty thread with the default title.
func NewThread(owner, id string, created time.Time) *model.Thread {
	return &model.Thread{
		ID:        id,
		Owner:     owner,
		Title:     model.DefaultTitle,
		CreatedAt: created,
		Messages:  []model.Message{},
	}
}

// RunBackendContract checks the behaviour every thread backend must share.
func RunBackendContract(t *testing.T, b Backend) {
	t.Helper()

	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	threads, err := b.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, threads)

	older := NewThread("alice", "t-older", base)
	newer := NewThread("alice", "t-newer", base.Add(time.Minute))
	require.NoError(t, b.Save(ctx, older))
	require.NoError(t, b.Save(ctx, newer))
	require.NoError(t, b.Save(ctx, NewThread("bob", "t-bob", base)))

	older.Messages = append(older.Messages,
		model.Message{Role: model.RoleUser, Content: "hello  \n there", CreatedAt: base},
		model.Message{Role: model.RoleAssistant, Content: "hi 💛", CreatedAt: base.Add(time.Second)},
	)
	older.Title = "hello"
	require.NoError(t, b.Save(ctx, older))

	threads, err = b.Load(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "t-newer", threads[0].ID)
	assert.Equal(t, "t-older", threads[1].ID)

	got := threads[1]
	assert.Equal(t, "hello", got.Title)
	assert.Equal(t, "alice", got.Owner)
	assert.True(t, got.CreatedAt.Equal(base))
	require.Len(t, got.Messages, 2)
	assert.Equal(t, model.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "hello  \n there", got.Messages[0].Content)
	assert.Equal(t, "hi 💛", got.Messages[1].Content)

	require.NoError(t, b.Delete(ctx, "alice", "t-older"))
	require.NoError(t, b.Delete(ctx, "alice", "missing"))

	threads, err = b.Load(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "t-newer", threads[0].ID)

	threads, err = b.Load(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, threads, 1)
}
