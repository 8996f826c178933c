package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therepai/companion/internal/model"
	"github.com/therepai/companion/internal/store"
	"github.com/therepai/companion/pkg/logger"
)

// failingBackend wraps a Backend and fails the selected operations.
type failingBackend struct {
	store.Backend
	failLoad, failSave, failDelete bool
}

var errDisk = errors.New("disk full")

func (f *failingBackend) Load(ctx context.Context, owner string) ([]*model.Thread, error) {
	if f.failLoad {
		return nil, errDisk
	}
	return f.Backend.Load(ctx, owner)
}

func (f *failingBackend) Save(ctx context.Context, t *model.Thread) error {
	if f.failSave {
		return errDisk
	}
	return f.Backend.Save(ctx, t)
}

func (f *failingBackend) Delete(ctx context.Context, owner, id string) error {
	if f.failDelete {
		return errDisk
	}
	return f.Backend.Delete(ctx, owner, id)
}

func newConversations(t *testing.T) (*ConversationService, *store.Memory) {
	t.Helper()
	backend := store.NewMemory()
	return NewConversationService(backend, logger.NewNop()), backend
}

func TestConversationService_FirstAccessCreatesActiveThread(t *testing.T) {
	svc, backend := newConversations(t)
	ctx := context.Background()

	list, active, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, list[0].ID, active)
	assert.Equal(t, model.DefaultTitle, list[0].Title)
	assert.Equal(t, 1, backend.Len("alice"))
}

func TestConversationService_HydratesNewestAsActive(t *testing.T) {
	backend := store.NewMemory()
	ctx := context.Background()

	first := NewConversationService(backend, logger.NewNop())
	_, _, err := first.List(ctx, "alice")
	require.NoError(t, err)
	newest, err := first.Create(ctx, "alice", "")
	require.NoError(t, err)

	second := NewConversationService(backend, logger.NewNop())
	active, err := second.Active(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, newest.ID, active.ID)

	list, _, err := second.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestConversationService_CreateBecomesActiveAndListedFirst(t *testing.T) {
	svc, _ := newConversations(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, "alice", "")
	require.NoError(t, err)
	b, err := svc.Create(ctx, "alice", "  Sleep  ")
	require.NoError(t, err)

	assert.Equal(t, model.DefaultTitle, a.Title)
	assert.Equal(t, "Sleep", b.Title)
	assert.Empty(t, b.Messages)
	assert.False(t, b.CreatedAt.IsZero())

	list, active, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, b.ID, active)
	require.Len(t, list, 3)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)

	seen := map[string]bool{}
	for _, e := range list {
		assert.False(t, seen[e.ID], "duplicate id %s", e.ID)
		seen[e.ID] = true
	}
}

func TestConversationService_GetUnknown(t *testing.T) {
	svc, _ := newConversations(t)

	_, err := svc.Get(context.Background(), "alice", "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Append(context.Background(), "alice", "nope", model.RoleUser, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationService_OwnersAreIsolated(t *testing.T) {
	svc, _ := newConversations(t)
	ctx := context.Background()

	th, err := svc.Create(ctx, "alice", "")
	require.NoError(t, err)

	_, err = svc.Get(ctx, "bob", th.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationService_AppendRoundTrip(t *testing.T) {
	svc, _ := newConversations(t)
	ctx := context.Background()

	th, err := svc.Create(ctx, "alice", "")
	require.NoError(t, err)

	content := "  spacing\tand *markdown* kept 💛\n"
	_, err = svc.Append(ctx, "alice", th.ID, model.RoleAssistant, content)
	require.NoError(t, err)

	got, err := svc.Get(ctx, "alice", th.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	last := got.Messages[len(got.Messages)-1]
	assert.Equal(t, model.RoleAssistant, last.Role)
	assert.Equal(t, content, last.Content)
}

func TestConversationService_AppendRejectsUnknownRole(t *testing.T) {
	svc, _ := newConversations(t)
	th, err := svc.Create(context.Background(), "alice", "")
	require.NoError(t, err)

	_, err = svc.Append(context.Background(), "alice", th.ID, model.Role("system"), "x")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestConversationService_TitleFromFirstUserMessage(t *testing.T) {
	svc, _ := newConversations(t)
	ctx := context.Background()

	th, err := svc.Create(ctx, "alice", "")
	require.NoError(t, err)

	msg := "I've been feeling really anxious lately and don't know what to do"
	got, err := svc.Append(ctx, "alice", th.ID, model.RoleUser, msg)
	require.NoError(t, err)
	assert.Equal(t, "I've been feeling really anxious lately", got.Title)

	got, err = svc.Append(ctx, "alice", th.ID, model.RoleUser, "something else")
	require.NoError(t, err)
	assert.Equal(t, "I've been feeling really anxious lately", got.Title)
}

func TestConversationService_AssistantDoesNotRetitle(t *testing.T) {
	svc, _ := newConversations(t)
	ctx := context.Background()

	th, err := svc.Create(ctx, "alice", "")
	require.NoError(t, err)

	got, err := svc.Append(ctx, "alice", th.ID, model.RoleAssistant, "hello")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTitle, got.Title)

	got, err = svc.Append(ctx, "alice", th.ID, model.RoleUser, "   ")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTitle, got.Title)
}

func TestTitleFromMessage(t *testing.T) {
	assert.Equal(t, "short", TitleFromMessage("  short  "))
	assert.Equal(t, strings.Repeat("é", 40), TitleFromMessage(strings.Repeat("é", 55)))
	assert.Equal(t, strings.Repeat("a", 40), TitleFromMessage("   "+strings.Repeat("a", 40)+" tail"))
	assert.Empty(t, TitleFromMessage(" \n "))
}

func TestConversationService_Rename(t *testing.T) {
	svc, _ := newConversations(t)
	ctx := context.Background()

	th, err := svc.Create(ctx, "alice", "")
	require.NoError(t, err)

	got, err := svc.Rename(ctx, "alice", th.ID, "  Work stress ")
	require.NoError(t, err)
	assert.Equal(t, "Work stress", got.Title)

	for _, blank := range []string{"", "   ", "\t\n"} {
		got, err = svc.Rename(ctx, "alice", th.ID, blank)
		require.NoError(t, err)
		assert.Equal(t, "Work stress", got.Title)
	}

	list, _, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Work stress", list[0].Title)

	_, err = svc.Rename(ctx, "alice", "nope", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationService_DeleteActiveMovesSelection(t *testing.T) {
	svc, _ := newConversations(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, "alice", "")
	require.NoError(t, err)
	b, err := svc.Create(ctx, "alice", "")
	require.NoError(t, err)

	active, err := svc.Delete(ctx, "alice", b.ID)
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, active)

	_, err = svc.Get(ctx, "alice", b.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an inactive thread keeps the selection.
	require.NoError(t, svc.Select(ctx, "alice", a.ID))
	list, _, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	for _, e := range list {
		if e.ID != a.ID {
			active, err = svc.Delete(ctx, "alice", e.ID)
			require.NoError(t, err)
			assert.Equal(t, a.ID, active)
		}
	}
}

func TestConversationService_DeleteLastThreadCreatesFresh(t *testing.T) {
	svc, backend := newConversations(t)
	ctx := context.Background()

	list, active, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)

	newActive, err := svc.Delete(ctx, "alice", active)
	require.NoError(t, err)
	assert.NotEqual(t, active, newActive)

	list, current, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, newActive, current)
	assert.Equal(t, model.DefaultTitle, list[0].Title)
	assert.Equal(t, 1, backend.Len("alice"))

	_, err = svc.Delete(ctx, "alice", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationService_SelectUnknown(t *testing.T) {
	svc, _ := newConversations(t)
	assert.ErrorIs(t, svc.Select(context.Background(), "alice", "nope"), ErrNotFound)
}

func TestConversationService_PersistenceFailureIsWarning(t *testing.T) {
	backend := &failingBackend{Backend: store.NewMemory(), failSave: true}
	svc := NewConversationService(backend, logger.NewNop())
	ctx := context.Background()

	th, err := svc.Create(ctx, "alice", "")
	require.NotNil(t, th)
	assert.True(t, IsWarning(err))
	assert.ErrorIs(t, err, errDisk)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save", perr.Op)

	got, err := svc.Append(ctx, "alice", th.ID, model.RoleUser, "still here")
	assert.True(t, IsWarning(err))
	require.NotNil(t, got)

	// Memory state remains authoritative.
	got, _ = svc.Get(ctx, "alice", th.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "still here", got.Messages[0].Content)
}

func TestConversationService_LoadFailureStartsEmpty(t *testing.T) {
	backend := &failingBackend{Backend: store.NewMemory(), failLoad: true}
	svc := NewConversationService(backend, logger.NewNop())

	list, active, err := svc.List(context.Background(), "alice")
	assert.True(t, IsWarning(err))
	require.Len(t, list, 1)
	assert.Equal(t, list[0].ID, active)
}

func TestConversationService_DeleteFailureIsWarning(t *testing.T) {
	backend := &failingBackend{Backend: store.NewMemory(), failDelete: true}
	svc := NewConversationService(backend, logger.NewNop())
	ctx := context.Background()

	th, err := svc.Create(ctx, "alice", "")
	require.NoError(t, err)

	_, err = svc.Delete(ctx, "alice", th.ID)
	assert.True(t, IsWarning(err))

	_, err = svc.Get(ctx, "alice", th.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationService_EndSessionCancelsContext(t *testing.T) {
	svc, _ := newConversations(t)
	ctx := context.Background()

	sessCtx, err := svc.SessionContext(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, sessCtx.Err())

	svc.EndSession("alice")
	assert.ErrorIs(t, sessCtx.Err(), context.Canceled)

	fresh, err := svc.SessionContext(ctx, "alice")
	require.NoError(t, err)
	assert.NoError(t, fresh.Err())
}

func TestIsWarning(t *testing.T) {
	assert.False(t, IsWarning(nil))
	assert.False(t, IsWarning(ErrNotFound))
	assert.True(t, IsWarning(&PersistenceError{Backend: "file", Op: "save", Err: errDisk}))
}

func TestConversationService_CorruptIndexIsWarning(t *testing.T) {
	dir := t.TempDir()
	backend, err := store.NewFile(dir)
	require.NoError(t, err)

	first := NewConversationService(backend, logger.NewNop())
	ctx := context.Background()
	_, err = first.Create(ctx, "alice", "one")
	require.NoError(t, err)
	_, err = first.Create(ctx, "alice", "two")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice", "index.json"), []byte("[{"), 0o644))

	restarted := NewConversationService(backend, logger.NewNop())
	entries, _, err := restarted.List(ctx, "alice")
	assert.True(t, IsWarning(err))
	assert.ErrorIs(t, err, store.ErrCorrupt)
	assert.Len(t, entries, 3)
}
