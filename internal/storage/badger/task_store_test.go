package badger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
	"github.com/JakeFAU/scrape-relay/internal/storage/storetest"
)

func newInMemoryStore(t *testing.T) *TaskStore {
	t.Helper()
	store, err := NewTaskStore(Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTaskStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) scrape.Store {
		return newInMemoryStore(t)
	})
}

func TestNewTaskStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewTaskStore(Config{}, nil)
	require.Error(t, err)
}

func TestTaskStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "tasks")
	ctx := context.Background()

	store, err := NewTaskStore(Config{Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, storetest.NewTask("t1", "owner-a", "fp1", 0)))
	completed := time.Date(2025, 3, 14, 12, 5, 0, 0, time.UTC)
	_, err = store.Update(ctx, "t1", scrape.TaskUpdate{
		Status:      scrape.StatusCompleted,
		Result:      "# cached",
		CompletedAt: &completed,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewTaskStore(Config{Path: dir}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Get(ctx, "owner-a", "t1")
	require.NoError(t, err)
	require.Equal(t, scrape.StatusCompleted, got.Status)
	require.Equal(t, "# cached", got.Result)
	require.NotNil(t, got.CompletedAt)
	require.True(t, completed.Equal(*got.CompletedAt))
}

func TestResetOnStartupClearsData(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "tasks")
	ctx := context.Background()

	store, err := NewTaskStore(Config{Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, storetest.NewTask("t1", "owner-a", "fp1", 0)))
	require.NoError(t, store.Close())

	reset, err := NewTaskStore(Config{Path: dir, ResetOnStartup: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reset.Close() })

	_, err = reset.Get(ctx, "owner-a", "t1")
	require.ErrorIs(t, err, scrape.ErrTaskNotFound)
}

func TestIndexesFollowUpdatesAndDeletes(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "tasks")
	ctx := context.Background()

	store, err := NewTaskStore(Config{Path: dir}, nil)
	require.NoError(t, err)
	first := storetest.NewTask("t1", "owner-a", "fp1", 0)
	second := storetest.NewTask("t2", "owner-a", "fp2", time.Second)
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))
	require.NoError(t, store.Create(ctx, storetest.NewTask("t3", "owner-b", "fp1", 0)))

	_, err = store.Update(ctx, "t1", scrape.TaskUpdate{Status: scrape.StatusFailed, ErrorMessage: "boom"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewTaskStore(Config{Path: dir}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	now := first.CreatedAt.Add(time.Minute)

	claimed, err := reopened.ClaimNextPending(ctx, "owner-a", now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "t2", claimed.ID)

	active, err := reopened.FindActive(ctx, "owner-a", "fp1", now)
	require.NoError(t, err)
	require.Nil(t, active)

	require.NoError(t, reopened.Delete(ctx, "owner-a", "t2"))
	tasks, err := reopened.List(ctx, "owner-a", scrape.ListFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "t1", tasks[0].ID)

	other, err := reopened.FindActive(ctx, "owner-b", "fp1", now)
	require.NoError(t, err)
	require.NotNil(t, other)
	require.Equal(t, "t3", other.ID)
}
