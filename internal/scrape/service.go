package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/metrics"
)

// DefaultFailureMessage is stored when a worker reports failure without a reason.
const DefaultFailureMessage = "scrape failed"

// waitRecheckFloor bounds how often Wait re-reads a task while waiting for a
// lazy transition to become due.
const waitRecheckFloor = 10 * time.Millisecond

// Config controls Service behavior.
type Config struct {
	Timeouts Timeouts
	// MaxWait bounds RequestScrapeAndWait.
	MaxWait time.Duration
	// AllowedDomains restricts submissions by host suffix. Empty allows all.
	AllowedDomains []string
	// Topic receives resolution events when a Publisher is configured.
	Topic string
	// ArchivePrefix is prepended to archived result paths.
	ArchivePrefix string
}

// Service implements submission, dedup, worker reporting and waiting on top
// of a Store and a Notifier.
type Service struct {
	store     Store
	notifier  Notifier
	publisher Publisher
	blobStore BlobStore
	clock     Clock
	idGen     IDGenerator
	cfg       Config
	logger    *zap.Logger

	submitLocks [64]sync.Mutex
	reportLocks [64]sync.Mutex
}

// NewService constructs a Service. publisher and blobStore may be nil.
func NewService(
	store Store,
	notifier Notifier,
	publisher Publisher,
	blobStore BlobStore,
	clock Clock,
	idGen IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultTimeouts()
	if cfg.Timeouts.TaskTTL <= 0 {
		cfg.Timeouts.TaskTTL = defaults.TaskTTL
	}
	if cfg.Timeouts.CacheTTL <= 0 {
		cfg.Timeouts.CacheTTL = defaults.CacheTTL
	}
	if cfg.Timeouts.ProcessingTimeout <= 0 {
		cfg.Timeouts.ProcessingTimeout = defaults.ProcessingTimeout
	}
	if cfg.Timeouts.PendingStall <= 0 {
		cfg.Timeouts.PendingStall = defaults.PendingStall
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Minute
	}
	return &Service{
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		blobStore: blobStore,
		clock:     clock,
		idGen:     idGen,
		cfg:       cfg,
		logger:    logger,
	}
}

// Timeouts returns the effective staleness bounds.
func (s *Service) Timeouts() Timeouts {
	return s.cfg.Timeouts
}

// RequestScrape serves url from cache, reuses an in-flight task, or creates a
// new pending task and offers it to the owner's extension.
func (s *Service) RequestScrape(ctx context.Context, ownerID, rawURL string, forceRefresh bool) (Submission, error) {
	canonical, err := NormalizeURL(rawURL)
	if err != nil {
		return Submission{}, err
	}
	if !HostAllowed(canonical, s.cfg.AllowedDomains) {
		return Submission{}, fmt.Errorf("%w: %s", ErrDomainNotAllowed, canonical)
	}
	fingerprint := Fingerprint(canonical)

	// Serialize find-then-create for the same fingerprint so concurrent
	// submitters in this process land on one row.
	lock := s.submitLock(fingerprint)
	lock.Lock()
	defer lock.Unlock()

	now := s.clock.Now()
	if !forceRefresh {
		cached, err := s.store.FindCachedCompleted(ctx, ownerID, fingerprint, now.Add(-s.cfg.Timeouts.CacheTTL))
		if err != nil {
			return Submission{}, fmt.Errorf("find cached task: %w", err)
		}
		if cached != nil {
			metrics.ObserveSubmission("cached")
			view := s.toView(*cached, now)
			view.Cached = true
			return Submission{Task: view}, nil
		}

		active, err := s.store.FindActive(ctx, ownerID, fingerprint, now)
		if err != nil {
			return Submission{}, fmt.Errorf("find active task: %w", err)
		}
		if active != nil {
			current := s.refresh(ctx, *active, now)
			if !current.Status.IsTerminal() {
				metrics.ObserveSubmission("inflight")
				return Submission{Task: s.toView(current, now)}, nil
			}
		}
	}

	id, err := s.idGen.NewID()
	if err != nil {
		return Submission{}, fmt.Errorf("generate task id: %w", err)
	}
	task := Task{
		ID:          id,
		OwnerID:     ownerID,
		URL:         strings.TrimSpace(rawURL),
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Timeouts.TaskTTL),
	}
	if err := s.store.Create(ctx, task); err != nil {
		return Submission{}, fmt.Errorf("create task: %w", err)
	}
	metrics.ObserveSubmission("created")

	assigned := s.notifier.AssignToExtension(ownerID, AssignedTask{ID: task.ID, URL: task.URL})
	metrics.ObserveDispatch(assigned)
	s.logger.Info("scrape task created",
		zap.String("task_id", task.ID),
		zap.String("owner_id", ownerID),
		zap.String("url", canonical),
		zap.Bool("dispatched", assigned),
	)

	return Submission{Task: s.toView(task, now), Created: true}, nil
}

// RequestScrapeAndWait submits url and blocks until the task resolves or
// MaxWait elapses. Timeouts and worker failures are reported in the outcome,
// not as errors.
func (s *Service) RequestScrapeAndWait(ctx context.Context, ownerID, rawURL string, forceRefresh bool) (FetchOutcome, error) {
	sub, err := s.RequestScrape(ctx, ownerID, rawURL, forceRefresh)
	if err != nil {
		return FetchOutcome{}, err
	}
	view := sub.Task
	if !view.Status.IsTerminal() {
		view, err = s.Wait(ctx, ownerID, view.ID, s.cfg.MaxWait)
		if errors.Is(err, ErrTaskWaitTimeout) {
			return FetchOutcome{
				TaskID:     view.ID,
				URL:        view.URL,
				Status:     StatusFailed,
				Error:      fmt.Sprintf("no result within %s", s.cfg.MaxWait),
				Suggestion: SuggestionWaitTimeout,
			}, nil
		}
		if err != nil {
			return FetchOutcome{}, err
		}
	}

	outcome := FetchOutcome{
		TaskID:     view.ID,
		URL:        view.URL,
		Status:     view.Status,
		Cached:     view.Cached,
		Suggestion: view.Suggestion,
	}
	switch view.Status {
	case StatusCompleted:
		outcome.Content = view.Result
	case StatusFailed:
		outcome.Error = view.ErrorMessage
	case StatusExpired:
		outcome.Error = "task expired before it was claimed"
	}
	return outcome, nil
}

// ClaimNext atomically hands the owner's oldest pending task to a worker.
// It returns nil when nothing is claimable.
func (s *Service) ClaimNext(ctx context.Context, ownerID string) (*TaskView, error) {
	now := s.clock.Now()
	task, err := s.store.ClaimNextPending(ctx, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	metrics.ObserveClaim(task != nil)
	if task == nil {
		return nil, nil
	}
	s.logger.Debug("scrape task claimed", zap.String("task_id", task.ID), zap.String("owner_id", ownerID))
	view := s.toView(*task, now)
	return &view, nil
}

// Report records a worker's terminal result and notifies every observer.
func (s *Service) Report(ctx context.Context, ownerID, taskID string, in ReportInput) (TaskView, error) {
	if in.Status != StatusCompleted && in.Status != StatusFailed {
		return TaskView{}, fmt.Errorf("%w: got %q", ErrInvalidStatusValue, in.Status)
	}

	// Reports for one task are serialized here so a losing report never
	// archives over the winner. Store.Update guards other instances.
	lock := s.reportLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.store.Get(ctx, ownerID, taskID)
	if err != nil {
		return TaskView{}, err
	}
	now := s.clock.Now()
	current := s.refresh(ctx, task, now)
	if err := ValidateReport(current, in.Status); err != nil {
		return TaskView{}, err
	}

	completedAt := now
	update := TaskUpdate{Status: in.Status, CompletedAt: &completedAt}
	switch in.Status {
	case StatusCompleted:
		update.Result = s.resultText(current, in)
		update.ResultURI = s.archive(ctx, current, update.Result)
	case StatusFailed:
		update.ErrorMessage = strings.TrimSpace(in.ErrorMessage)
		if update.ErrorMessage == "" {
			update.ErrorMessage = DefaultFailureMessage
		}
	}

	updated, err := s.store.Update(ctx, taskID, update)
	if errors.Is(err, ErrInvalidTransition) {
		s.logger.Info("report lost to a concurrent resolution",
			zap.String("task_id", taskID),
			zap.String("status", string(in.Status)),
		)
		return TaskView{}, err
	}
	if err != nil {
		return TaskView{}, fmt.Errorf("update task: %w", err)
	}
	s.resolve(ctx, updated)
	return s.toView(updated, now), nil
}

// Get returns the owner's task with lazy transitions applied.
func (s *Service) Get(ctx context.Context, ownerID, taskID string) (TaskView, error) {
	task, err := s.store.Get(ctx, ownerID, taskID)
	if err != nil {
		return TaskView{}, err
	}
	now := s.clock.Now()
	return s.toView(s.refresh(ctx, task, now), now), nil
}

// List returns the owner's tasks, newest first, with lazy transitions applied.
func (s *Service) List(ctx context.Context, ownerID string, filter ListFilter) ([]TaskView, error) {
	storeFilter := filter
	if filter.Status != nil && *filter.Status != StatusCompleted {
		// Stored status lags until read, so filter on the derived status.
		storeFilter = ListFilter{}
	}
	tasks, err := s.store.List(ctx, ownerID, storeFilter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	now := s.clock.Now()
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		current := s.refresh(ctx, task, now)
		if filter.Status != nil && current.Status != *filter.Status {
			continue
		}
		views = append(views, s.toView(current, now))
		if filter.Limit > 0 && len(views) == filter.Limit {
			break
		}
	}
	return views, nil
}

// Delete removes the owner's task. Missing tasks are not an error.
func (s *Service) Delete(ctx context.Context, ownerID, taskID string) error {
	if err := s.store.Delete(ctx, ownerID, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Wait blocks until the owner's task is terminal or timeout elapses. On
// timeout it returns the latest view together with ErrTaskWaitTimeout.
func (s *Service) Wait(ctx context.Context, ownerID, taskID string, timeout time.Duration) (TaskView, error) {
	start := time.Now()
	view, err := s.Get(ctx, ownerID, taskID)
	if err != nil {
		return TaskView{}, err
	}
	if view.Status.IsTerminal() {
		metrics.ObserveWait("resolved", time.Since(start))
		return view, nil
	}

	events, cancel := s.notifier.Await(ownerID, taskID)
	defer cancel()

	// The task may have resolved between the first read and Await.
	view, err = s.Get(ctx, ownerID, taskID)
	if err != nil {
		return TaskView{}, err
	}
	if view.Status.IsTerminal() {
		metrics.ObserveWait("resolved", time.Since(start))
		return view, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		recheck := time.NewTimer(s.untilNextTransition(view))
		select {
		case <-events:
			recheck.Stop()
			resolved, err := s.Get(ctx, ownerID, taskID)
			if err != nil {
				return TaskView{}, err
			}
			metrics.ObserveWait("resolved", time.Since(start))
			return resolved, nil
		case <-recheck.C:
			view, err = s.Get(ctx, ownerID, taskID)
			if err != nil {
				return TaskView{}, err
			}
			if view.Status.IsTerminal() {
				metrics.ObserveWait("resolved", time.Since(start))
				return view, nil
			}
		case <-deadline.C:
			recheck.Stop()
			metrics.ObserveWait("timeout", time.Since(start))
			if latest, err := s.Get(ctx, ownerID, taskID); err == nil {
				view = latest
			}
			return view, fmt.Errorf("%w: task %s after %s", ErrTaskWaitTimeout, taskID, timeout)
		case <-ctx.Done():
			recheck.Stop()
			metrics.ObserveWait("canceled", time.Since(start))
			return view, fmt.Errorf("wait for task: %w", ctx.Err())
		}
	}
}

// untilNextTransition returns how long until a lazy transition could apply to
// view, or a long interval when none is scheduled.
func (s *Service) untilNextTransition(view TaskView) time.Duration {
	now := s.clock.Now()
	var due time.Time
	switch view.Status {
	case StatusPending:
		due = view.ExpiresAt
	case StatusProcessing:
		if view.ClaimedAt == nil {
			return time.Hour
		}
		due = view.ClaimedAt.Add(s.cfg.Timeouts.ProcessingTimeout)
	default:
		return time.Hour
	}
	d := due.Sub(now) + time.Millisecond
	if d < waitRecheckFloor {
		d = waitRecheckFloor
	}
	return d
}

// refresh applies lazy transitions and, when one fires, persists it and
// resolves observers. A failed write is logged and the derived state is
// still returned.
func (s *Service) refresh(ctx context.Context, task Task, now time.Time) Task {
	derived, changed := DeriveEffectiveState(task, now, s.cfg.Timeouts)
	if !changed {
		return derived
	}
	updated, err := s.store.Update(ctx, derived.ID, TaskUpdate{
		Status:       derived.Status,
		ErrorMessage: derived.ErrorMessage,
		CompletedAt:  derived.CompletedAt,
	})
	if errors.Is(err, ErrInvalidTransition) {
		// Another writer resolved the task first; its state wins.
		current, getErr := s.store.Get(ctx, task.OwnerID, task.ID)
		if getErr != nil {
			s.logger.Warn("reload after lost transition failed", zap.String("task_id", task.ID), zap.Error(getErr))
			return task
		}
		return current
	}
	if err != nil {
		s.logger.Warn("persist lazy transition failed",
			zap.String("task_id", derived.ID),
			zap.String("status", string(derived.Status)),
			zap.Error(err),
		)
		updated = derived
	}
	s.logger.Info("scrape task transitioned on read",
		zap.String("task_id", derived.ID),
		zap.String("from", string(task.Status)),
		zap.String("to", string(derived.Status)),
	)
	s.resolve(ctx, updated)
	return updated
}

// resolve fans a terminal task out to local observers and, when configured,
// to other instances.
func (s *Service) resolve(ctx context.Context, task Task) {
	event := NewTaskEvent(task)
	s.notifier.ResolveTask(task.ID, event)
	metrics.ObserveResolution(string(task.Status))
	if s.publisher == nil || s.cfg.Topic == "" {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, event); err != nil {
		s.logger.Warn("publish resolution failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (s *Service) resultText(task Task, in ReportInput) string {
	if in.Result != "" || in.HTML == "" {
		return in.Result
	}
	converted, err := HTMLToMarkdown(in.HTML, task.URL)
	if err != nil {
		s.logger.Warn("html conversion failed, stripping tags", zap.String("task_id", task.ID), zap.Error(err))
		return stripTags(in.HTML)
	}
	return converted
}

// archive writes a completed result to the blob store and returns its URI.
// Failures are logged and never fail the report.
func (s *Service) archive(ctx context.Context, task Task, result string) string {
	if s.blobStore == nil || result == "" {
		return ""
	}
	path := s.buildArchivePath(task)
	uri, err := s.blobStore.PutObject(ctx, path, "text/markdown; charset=utf-8", bytes.NewReader([]byte(result)))
	metrics.ObserveArchiveWrite(err)
	if err != nil {
		s.logger.Warn("archive result failed", zap.String("task_id", task.ID), zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (s *Service) buildArchivePath(task Task) string {
	prefix := strings.Trim(s.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("results/%s/%s/%s.md", task.OwnerID, task.Fingerprint, task.ID)
	}
	return fmt.Sprintf("%s/results/%s/%s/%s.md", prefix, task.OwnerID, task.Fingerprint, task.ID)
}

func (s *Service) toView(task Task, now time.Time) TaskView {
	online := s.notifier.HasExtension(task.OwnerID)
	return TaskView{
		ID:           task.ID,
		URL:          task.URL,
		Status:       task.Status,
		Result:       task.Result,
		ResultURI:    task.ResultURI,
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt,
		ClaimedAt:    task.ClaimedAt,
		CompletedAt:  task.CompletedAt,
		ExpiresAt:    task.ExpiresAt,
		Suggestion:   Suggest(task, now, online, s.cfg.Timeouts),
	}
}

func (s *Service) reportLock(taskID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return &s.reportLocks[h.Sum32()%uint32(len(s.reportLocks))]
}

func (s *Service) submitLock(fingerprint string) *sync.Mutex {
	idx, err := strconv.ParseUint(fingerprint[:2], 16, 8)
	if err != nil {
		idx = 0
	}
	return &s.submitLocks[idx%uint64(len(s.submitLocks))]
}
