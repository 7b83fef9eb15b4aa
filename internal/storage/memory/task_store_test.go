package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
	"github.com/JakeFAU/scrape-relay/internal/storage/storetest"
)

func TestTaskStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) scrape.Store {
		return NewTaskStore()
	})
}

func TestTaskStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewTaskStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, storetest.NewTask("t1", "owner-a", "fp1", 0)))

	claimed, err := store.ClaimNextPending(ctx, "owner-a", time.Date(2025, 3, 14, 12, 1, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	*claimed.ClaimedAt = claimed.ClaimedAt.Add(time.Hour)
	claimed.Status = scrape.StatusFailed

	stored := store.tasks["t1"]
	require.Equal(t, scrape.StatusProcessing, stored.Status)
	require.NotEqual(t, *claimed.ClaimedAt, *stored.ClaimedAt, "callers must not alias stored timestamps")
}
