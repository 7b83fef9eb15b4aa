// Package storetest holds a behavioral test suite shared by every
// scrape.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) scrape.Store

var base = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

// NewTask builds a pending task created at base+offset with a one hour TTL.
func NewTask(id, ownerID, fingerprint string, offset time.Duration) scrape.Task {
	created := base.Add(offset)
	return scrape.Task{
		ID:          id,
		OwnerID:     ownerID,
		URL:         "https://example.com/" + id,
		Fingerprint: fingerprint,
		Status:      scrape.StatusPending,
		CreatedAt:   created,
		ExpiresAt:   created.Add(time.Hour),
	}
}

// Run exercises newStore against the scrape.Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("CreateAndGetScopedByOwner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		task := NewTask("t1", "owner-a", "fp1", 0)
		require.NoError(t, store.Create(ctx, task))
		require.Error(t, store.Create(ctx, task), "duplicate id must fail")

		got, err := store.Get(ctx, "owner-a", "t1")
		require.NoError(t, err)
		require.Equal(t, "t1", got.ID)
		require.Equal(t, scrape.StatusPending, got.Status)
		require.True(t, got.CreatedAt.Equal(task.CreatedAt))
		require.True(t, got.ExpiresAt.Equal(task.ExpiresAt))
		require.Nil(t, got.ClaimedAt)
		require.Nil(t, got.CompletedAt)

		_, err = store.Get(ctx, "owner-b", "t1")
		require.ErrorIs(t, err, scrape.ErrTaskNotFound)
		_, err = store.Get(ctx, "owner-a", "missing")
		require.ErrorIs(t, err, scrape.ErrTaskNotFound)
	})

	t.Run("CacheWindow", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		const ttl = 24 * time.Hour
		completedAt := base.Add(time.Minute)

		task := NewTask("t1", "owner-a", "fp1", 0)
		require.NoError(t, store.Create(ctx, task))
		_, err := store.Update(ctx, "t1", scrape.TaskUpdate{
			Status:      scrape.StatusCompleted,
			Result:      "body",
			CompletedAt: &completedAt,
		})
		require.NoError(t, err)

		inside := completedAt.Add(ttl - time.Second)
		got, err := store.FindCachedCompleted(ctx, "owner-a", "fp1", inside.Add(-ttl))
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "body", got.Result)

		outside := completedAt.Add(ttl + time.Second)
		got, err = store.FindCachedCompleted(ctx, "owner-a", "fp1", outside.Add(-ttl))
		require.NoError(t, err)
		require.Nil(t, got)

		got, err = store.FindCachedCompleted(ctx, "owner-b", "fp1", inside.Add(-ttl))
		require.NoError(t, err)
		require.Nil(t, got, "cache is scoped by owner")
	})

	t.Run("CachePrefersNewestCompletion", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"old", "new"} {
			require.NoError(t, store.Create(ctx, NewTask(id, "owner-a", "fp1", time.Duration(i)*time.Minute)))
			done := base.Add(time.Duration(i+1) * time.Hour)
			_, err := store.Update(ctx, id, scrape.TaskUpdate{Status: scrape.StatusCompleted, Result: id, CompletedAt: &done})
			require.NoError(t, err)
		}
		require.NoError(t, store.Create(ctx, NewTask("failed", "owner-a", "fp1", 3*time.Minute)))
		failedAt := base.Add(3 * time.Hour)
		_, err := store.Update(ctx, "failed", scrape.TaskUpdate{Status: scrape.StatusFailed, ErrorMessage: "x", CompletedAt: &failedAt})
		require.NoError(t, err)

		got, err := store.FindCachedCompleted(ctx, "owner-a", "fp1", base)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "new", got.ID)
	})

	t.Run("FindActive", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewTask("older", "owner-a", "fp1", 0)))
		require.NoError(t, store.Create(ctx, NewTask("newer", "owner-a", "fp1", time.Minute)))
		require.NoError(t, store.Create(ctx, NewTask("other-fp", "owner-a", "fp2", 2*time.Minute)))

		got, err := store.FindActive(ctx, "owner-a", "fp1", base.Add(5*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "newer", got.ID)

		got, err = store.FindActive(ctx, "owner-a", "fp1", base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Nil(t, got, "expired tasks are not active")

		done := base.Add(2 * time.Minute)
		for _, id := range []string{"older", "newer"} {
			_, err = store.Update(ctx, id, scrape.TaskUpdate{Status: scrape.StatusCompleted, Result: "r", CompletedAt: &done})
			require.NoError(t, err)
		}
		got, err = store.FindActive(ctx, "owner-a", "fp1", base.Add(5*time.Minute))
		require.NoError(t, err)
		require.Nil(t, got, "terminal tasks are not active")
	})

	t.Run("FindActiveIncludesProcessing", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewTask("t1", "owner-a", "fp1", 0)))
		claimed, err := store.ClaimNextPending(ctx, "owner-a", base.Add(time.Second))
		require.NoError(t, err)
		require.NotNil(t, claimed)

		got, err := store.FindActive(ctx, "owner-a", "fp1", base.Add(time.Minute))
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, scrape.StatusProcessing, got.Status)
	})

	t.Run("ClaimOldestFirst", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewTask("second", "owner-a", "fp2", time.Minute)))
		require.NoError(t, store.Create(ctx, NewTask("first", "owner-a", "fp1", 0)))
		require.NoError(t, store.Create(ctx, NewTask("foreign", "owner-b", "fp3", -time.Minute)))

		now := base.Add(10 * time.Minute)
		got, err := store.ClaimNextPending(ctx, "owner-a", now)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "first", got.ID)
		require.Equal(t, scrape.StatusProcessing, got.Status)
		require.NotNil(t, got.ClaimedAt)
		require.True(t, got.ClaimedAt.Equal(now))

		got, err = store.ClaimNextPending(ctx, "owner-a", now)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "second", got.ID)

		got, err = store.ClaimNextPending(ctx, "owner-a", now)
		require.NoError(t, err)
		require.Nil(t, got, "nothing left to claim")

		stored, err := store.Get(ctx, "owner-b", "foreign")
		require.NoError(t, err)
		require.Equal(t, scrape.StatusPending, stored.Status)
	})

	t.Run("ClaimSkipsExpired", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewTask("t1", "owner-a", "fp1", 0)))

		got, err := store.ClaimNextPending(ctx, "owner-a", base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("ConcurrentClaimAtMostOnce", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewTask("only", "owner-a", "fp1", 0)))

		const workers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			errs    []error
		)
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				got, err := store.ClaimNextPending(ctx, "owner-a", base.Add(time.Minute))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if got != nil {
					winners = append(winners, got.ID)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Empty(t, errs, "losers must not see errors")
		require.Equal(t, []string{"only"}, winners)
	})

	t.Run("UpdateRejectsTerminalTasks", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewTask("t1", "owner-a", "fp1", 0)))

		first := base.Add(time.Minute)
		got, err := store.Update(ctx, "t1", scrape.TaskUpdate{
			Status:       scrape.StatusFailed,
			ErrorMessage: "boom",
			CompletedAt:  &first,
		})
		require.NoError(t, err)
		require.Equal(t, scrape.StatusFailed, got.Status)
		require.Equal(t, "boom", got.ErrorMessage)
		require.NotNil(t, got.CompletedAt)
		require.Empty(t, got.Result, "empty fields leave stored values")

		second := base.Add(time.Hour)
		_, err = store.Update(ctx, "t1", scrape.TaskUpdate{
			Status:      scrape.StatusCompleted,
			Result:      "late body",
			CompletedAt: &second,
		})
		require.ErrorIs(t, err, scrape.ErrInvalidTransition)

		stored, err := store.Get(ctx, "owner-a", "t1")
		require.NoError(t, err)
		require.Equal(t, scrape.StatusFailed, stored.Status)
		require.Empty(t, stored.Result)
		require.True(t, stored.CompletedAt.Equal(first))

		_, err = store.Update(ctx, "missing", scrape.TaskUpdate{Status: scrape.StatusFailed})
		require.ErrorIs(t, err, scrape.ErrTaskNotFound)
	})

	t.Run("ConcurrentTerminalWritesApplyOnce", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewTask("t1", "owner-a", "fp1", 0)))

		done := base.Add(time.Minute)
		updates := []scrape.TaskUpdate{
			{Status: scrape.StatusCompleted, Result: "page body", CompletedAt: &done},
			{Status: scrape.StatusFailed, ErrorMessage: "boom", CompletedAt: &done},
			{Status: scrape.StatusCompleted, Result: "other body", CompletedAt: &done},
			{Status: scrape.StatusExpired},
		}
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			applied  []scrape.Task
			rejected int
			errs     []error
		)
		start := make(chan struct{})
		for _, update := range updates {
			wg.Add(1)
			go func(update scrape.TaskUpdate) {
				defer wg.Done()
				<-start
				got, err := store.Update(ctx, "t1", update)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					applied = append(applied, got)
				case errors.Is(err, scrape.ErrInvalidTransition):
					rejected++
				default:
					errs = append(errs, err)
				}
			}(update)
		}
		close(start)
		wg.Wait()

		require.Empty(t, errs)
		require.Len(t, applied, 1, "exactly one terminal write lands")
		require.Equal(t, len(updates)-1, rejected)

		stored, err := store.Get(ctx, "owner-a", "t1")
		require.NoError(t, err)
		require.Equal(t, applied[0].Status, stored.Status)
		if stored.Status == scrape.StatusCompleted {
			require.NotEmpty(t, stored.Result)
			require.Empty(t, stored.ErrorMessage)
		} else {
			require.Empty(t, stored.Result, "result only accompanies completed tasks")
		}
	})

	t.Run("ListNewestFirstWithFilter", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			id := fmt.Sprintf("t%d", i)
			require.NoError(t, store.Create(ctx, NewTask(id, "owner-a", "fp"+id, time.Duration(i)*time.Minute)))
		}
		require.NoError(t, store.Create(ctx, NewTask("foreign", "owner-b", "fp", 0)))
		done := base.Add(time.Hour)
		_, err := store.Update(ctx, "t1", scrape.TaskUpdate{Status: scrape.StatusCompleted, Result: "r", CompletedAt: &done})
		require.NoError(t, err)

		all, err := store.List(ctx, "owner-a", scrape.ListFilter{})
		require.NoError(t, err)
		require.Equal(t, []string{"t3", "t2", "t1", "t0"}, ids(all))

		pending := scrape.StatusPending
		filtered, err := store.List(ctx, "owner-a", scrape.ListFilter{Status: &pending, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []string{"t3", "t2"}, ids(filtered))

		none, err := store.List(ctx, "owner-c", scrape.ListFilter{})
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("DeleteIsIdempotentAndScoped", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewTask("t1", "owner-a", "fp1", 0)))

		require.NoError(t, store.Delete(ctx, "owner-b", "t1"))
		_, err := store.Get(ctx, "owner-a", "t1")
		require.NoError(t, err, "foreign delete is a no-op")

		require.NoError(t, store.Delete(ctx, "owner-a", "t1"))
		require.NoError(t, store.Delete(ctx, "owner-a", "t1"))
		_, err = store.Get(ctx, "owner-a", "t1")
		require.ErrorIs(t, err, scrape.ErrTaskNotFound)
	})
}

func ids(tasks []scrape.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}
