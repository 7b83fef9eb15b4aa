// Package badger provides an embedded, single-node scrape.Store backed by
// BadgerDB through badgerhold.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

// Config controls where the embedded database lives.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps all data in memory; used by tests and throwaway runs.
	InMemory bool
	// ResetOnStartup removes Path before opening.
	ResetOnStartup bool
}

// TaskStore persists tasks as badgerhold records keyed by task ID.
type TaskStore struct {
	store  *badgerhold.Store
	logger *zap.Logger
	// writeMu serializes read-modify-write transactions.
	writeMu sync.Mutex
}

// NewTaskStore opens (or creates) the database described by cfg.
func NewTaskStore(cfg Config, logger *zap.Logger) (*TaskStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	options := badgerhold.DefaultOptions
	options.Logger = badgerLogger{logger.Sugar()}

	if cfg.InMemory {
		options.Dir = ""
		options.ValueDir = ""
		options.InMemory = true
	} else {
		if cfg.Path == "" {
			return nil, errors.New("storage.badger.path is required")
		}
		if cfg.ResetOnStartup {
			if err := os.RemoveAll(cfg.Path); err != nil {
				logger.Warn("failed to reset badger directory", zap.String("path", cfg.Path), zap.Error(err))
			}
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory: %w", err)
		}
		options.Dir = cfg.Path
		options.ValueDir = cfg.Path
	}

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	logger.Debug("badger task store opened", zap.String("path", cfg.Path), zap.Bool("in_memory", cfg.InMemory))
	return &TaskStore{store: store, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *TaskStore) Close() error {
	if s == nil || s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// Create inserts a new task; duplicate IDs fail.
func (s *TaskStore) Create(_ context.Context, task scrape.Task) error {
	if task.ID == "" {
		return errors.New("task ID is required")
	}
	if err := s.store.Insert(task.ID, task); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// FindCachedCompleted returns the most recently completed task for the
// fingerprint completed after notBefore.
func (s *TaskStore) FindCachedCompleted(
	_ context.Context,
	ownerID, fingerprint string,
	notBefore time.Time,
) (*scrape.Task, error) {
	tasks, err := s.byFingerprint(ownerID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("find cached task: %w", err)
	}
	var best *scrape.Task
	for i := range tasks {
		task := &tasks[i]
		if task.Status != scrape.StatusCompleted || task.CompletedAt == nil || !task.CompletedAt.After(notBefore) {
			continue
		}
		if best == nil || task.CompletedAt.After(*best.CompletedAt) {
			best = task
		}
	}
	return best, nil
}

// FindActive returns the newest pending or processing task for the
// fingerprint that has not expired at now.
func (s *TaskStore) FindActive(_ context.Context, ownerID, fingerprint string, now time.Time) (*scrape.Task, error) {
	tasks, err := s.byFingerprint(ownerID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("find active task: %w", err)
	}
	var best *scrape.Task
	for i := range tasks {
		task := &tasks[i]
		if task.Status != scrape.StatusPending && task.Status != scrape.StatusProcessing {
			continue
		}
		if !task.ExpiresAt.After(now) {
			continue
		}
		if best == nil || task.CreatedAt.After(best.CreatedAt) {
			best = task
		}
	}
	return best, nil
}

// ClaimNextPending moves the owner's oldest unexpired pending task to
// processing inside one transaction.
func (s *TaskStore) ClaimNextPending(_ context.Context, ownerID string, now time.Time) (*scrape.Task, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var claimed *scrape.Task
	err := s.store.Badger().Update(func(tx *badgerdb.Txn) error {
		var pending []scrape.Task
		query := badgerhold.Where("Status").Eq(scrape.StatusPending).Index("Status").And("OwnerID").Eq(ownerID)
		if err := s.store.TxFind(tx, &pending, query); err != nil {
			return err
		}
		var next *scrape.Task
		for i := range pending {
			task := &pending[i]
			if !task.ExpiresAt.After(now) {
				continue
			}
			if next == nil || olderThan(*task, *next) {
				next = task
			}
		}
		if next == nil {
			return nil
		}
		claimedAt := now
		next.Status = scrape.StatusProcessing
		next.ClaimedAt = &claimedAt
		if err := s.store.TxUpdate(tx, next.ID, *next); err != nil {
			return err
		}
		claimed = next
		return nil
	})
	if errors.Is(err, badgerdb.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return claimed, nil
}

// Get fetches an owner's task by ID.
func (s *TaskStore) Get(_ context.Context, ownerID, taskID string) (scrape.Task, error) {
	var task scrape.Task
	if err := s.store.Get(taskID, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return scrape.Task{}, fmt.Errorf("get task %s: %w", taskID, scrape.ErrTaskNotFound)
		}
		return scrape.Task{}, fmt.Errorf("get task: %w", err)
	}
	if task.OwnerID != ownerID {
		return scrape.Task{}, fmt.Errorf("get task %s: %w", taskID, scrape.ErrTaskNotFound)
	}
	return task, nil
}

// List returns the owner's tasks, newest first.
func (s *TaskStore) List(_ context.Context, ownerID string, filter scrape.ListFilter) ([]scrape.Task, error) {
	query := badgerhold.Where("OwnerID").Eq(ownerID).Index("OwnerID")
	if filter.Status != nil {
		query = query.And("Status").Eq(*filter.Status)
	}
	tasks := make([]scrape.Task, 0)
	if err := s.store.Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return olderThan(tasks[j], tasks[i])
	})
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// Update applies a terminal-state write to a pending or processing task.
// Empty fields keep their stored values. Terminal tasks yield
// ErrInvalidTransition.
func (s *TaskStore) Update(_ context.Context, taskID string, update scrape.TaskUpdate) (scrape.Task, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var task scrape.Task
	err := s.store.Badger().Update(func(tx *badgerdb.Txn) error {
		if err := s.store.TxGet(tx, taskID, &task); err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return scrape.ErrInvalidTransition
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
			completed := *update.CompletedAt
			task.CompletedAt = &completed
		}
		return s.store.TxUpdate(tx, taskID, task)
	})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return scrape.Task{}, fmt.Errorf("update task %s: %w", taskID, scrape.ErrTaskNotFound)
	}
	if errors.Is(err, scrape.ErrInvalidTransition) {
		return scrape.Task{}, fmt.Errorf("update task %s: %w", taskID, scrape.ErrInvalidTransition)
	}
	if err != nil {
		return scrape.Task{}, fmt.Errorf("update task: %w", err)
	}
	return task, nil
}

// Delete removes the owner's task. Missing or foreign tasks are ignored.
func (s *TaskStore) Delete(ctx context.Context, ownerID, taskID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.Get(ctx, ownerID, taskID); err != nil {
		if errors.Is(err, scrape.ErrTaskNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.Delete(taskID, scrape.Task{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *TaskStore) byFingerprint(ownerID, fingerprint string) ([]scrape.Task, error) {
	var tasks []scrape.Task
	query := badgerhold.Where("Fingerprint").Eq(fingerprint).Index("Fingerprint").And("OwnerID").Eq(ownerID)
	if err := s.store.Find(&tasks, query); err != nil {
		return nil, err
	}
	return tasks, nil
}

func olderThan(a, b scrape.Task) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}

var _ scrape.Store = (*TaskStore)(nil)
