package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

// TaskStore provides an in-memory scrape.Store for development/testing.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]scrape.Task
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]scrape.Task),
	}
}

// Create stores a new task.
func (s *TaskStore) Create(_ context.Context, task scrape.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return errors.New("task already exists")
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// FindCachedCompleted returns the most recently completed task for the
// fingerprint whose completion is after notBefore.
func (s *TaskStore) FindCachedCompleted(
	_ context.Context,
	ownerID, fingerprint string,
	notBefore time.Time,
) (*scrape.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *scrape.Task
	for _, task := range s.tasks {
		if task.OwnerID != ownerID || task.Fingerprint != fingerprint || task.Status != scrape.StatusCompleted {
			continue
		}
		if task.CompletedAt == nil || !task.CompletedAt.After(notBefore) {
			continue
		}
		if best == nil || task.CompletedAt.After(*best.CompletedAt) {
			t := cloneTask(task)
			best = &t
		}
	}
	return best, nil
}

// FindActive returns the newest pending or processing task for the
// fingerprint that has not expired at now.
func (s *TaskStore) FindActive(_ context.Context, ownerID, fingerprint string, now time.Time) (*scrape.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *scrape.Task
	for _, task := range s.tasks {
		if task.OwnerID != ownerID || task.Fingerprint != fingerprint {
			continue
		}
		if task.Status != scrape.StatusPending && task.Status != scrape.StatusProcessing {
			continue
		}
		if !task.ExpiresAt.After(now) {
			continue
		}
		if best == nil || task.CreatedAt.After(best.CreatedAt) {
			t := cloneTask(task)
			best = &t
		}
	}
	return best, nil
}

// ClaimNextPending moves the owner's oldest unexpired pending task to
// processing. The write lock makes the status check and update atomic.
func (s *TaskStore) ClaimNextPending(_ context.Context, ownerID string, now time.Time) (*scrape.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *scrape.Task
	for _, task := range s.tasks {
		if task.OwnerID != ownerID || task.Status != scrape.StatusPending || !task.ExpiresAt.After(now) {
			continue
		}
		if next == nil || olderThan(task, *next) {
			t := task
			next = &t
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = scrape.StatusProcessing
	next.ClaimedAt = pointerTime(now)
	s.tasks[next.ID] = *next
	claimed := cloneTask(*next)
	return &claimed, nil
}

// Get fetches an owner's task by ID.
func (s *TaskStore) Get(_ context.Context, ownerID, taskID string) (scrape.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok || task.OwnerID != ownerID {
		return scrape.Task{}, fmt.Errorf("get task %s: %w", taskID, scrape.ErrTaskNotFound)
	}
	return cloneTask(task), nil
}

// List returns the owner's tasks, newest first.
func (s *TaskStore) List(_ context.Context, ownerID string, filter scrape.ListFilter) ([]scrape.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.Task, 0)
	for _, task := range s.tasks {
		if task.OwnerID != ownerID {
			continue
		}
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool {
		return olderThan(out[j], out[i])
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Update applies a terminal-state write to a pending or processing task.
// Terminal tasks are left untouched and yield ErrInvalidTransition.
func (s *TaskStore) Update(_ context.Context, taskID string, update scrape.TaskUpdate) (scrape.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return scrape.Task{}, fmt.Errorf("update task %s: %w", taskID, scrape.ErrTaskNotFound)
	}
	if task.Status.IsTerminal() {
		return scrape.Task{}, fmt.Errorf("update task %s: %w", taskID, scrape.ErrInvalidTransition)
	}
	task.Status = update.Status
	if update.Result != "" {
		task.Result = update.Result
	}
	if update.ResultURI != "" {
		task.ResultURI = update.ResultURI
	}
	if update.ErrorMessage != "" {
		task.ErrorMessage = update.ErrorMessage
	}
	if update.CompletedAt != nil && task.CompletedAt == nil {
		task.CompletedAt = pointerTime(*update.CompletedAt)
	}
	s.tasks[taskID] = task
	return cloneTask(task), nil
}

// Delete removes the owner's task. Missing or foreign tasks are ignored.
func (s *TaskStore) Delete(_ context.Context, ownerID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok && task.OwnerID == ownerID {
		delete(s.tasks, taskID)
	}
	return nil
}

func olderThan(a, b scrape.Task) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func cloneTask(task scrape.Task) scrape.Task {
	if task.ClaimedAt != nil {
		task.ClaimedAt = pointerTime(*task.ClaimedAt)
	}
	if task.CompletedAt != nil {
		task.CompletedAt = pointerTime(*task.CompletedAt)
	}
	return task
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

var _ scrape.Store = (*TaskStore)(nil)
