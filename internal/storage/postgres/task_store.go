// Package postgres provides a Postgres-backed scrape.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "scrape_tasks"

const taskColumns = `id, owner_id, url, url_fingerprint, status, result, result_uri, error_message,
	created_at, claimed_at, completed_at, expires_at`

// TaskStoreConfig controls the Postgres connection pool used for task rows.
type TaskStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// TaskStore persists scrape tasks in a single Postgres table.
type TaskStore struct {
	pool  querier
	table string
}

// NewTaskStore connects a pool using cfg.
func NewTaskStore(ctx context.Context, cfg TaskStoreConfig) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &TaskStore{pool: pool, table: table}, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(pool querier, table string) (*TaskStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &TaskStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies connectivity for readiness checks.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the task table and its lookup indexes if missing.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	url TEXT NOT NULL,
	url_fingerprint TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	result_uri TEXT,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	claimed_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_owner_fingerprint_idx ON %s (owner_id, url_fingerprint)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_owner_status_idx ON %s (owner_id, status, created_at)`, s.table, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Create inserts a new task row.
func (s *TaskStore) Create(ctx context.Context, task scrape.Task) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, owner_id, url, url_fingerprint, status, created_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.table)
	_, err := s.pool.Exec(ctx, query,
		task.ID,
		task.OwnerID,
		task.URL,
		task.Fingerprint,
		string(task.Status),
		task.CreatedAt,
		task.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// FindCachedCompleted returns the most recently completed task for the
// fingerprint completed after notBefore.
func (s *TaskStore) FindCachedCompleted(
	ctx context.Context,
	ownerID, fingerprint string,
	notBefore time.Time,
) (*scrape.Task, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE owner_id = $1 AND url_fingerprint = $2 AND status = 'completed' AND completed_at > $3
ORDER BY completed_at DESC
LIMIT 1`, taskColumns, s.table)
	return s.findOne(ctx, "find cached task", query, ownerID, fingerprint, notBefore)
}

// FindActive returns the newest pending or processing task for the
// fingerprint that has not expired at now.
func (s *TaskStore) FindActive(ctx context.Context, ownerID, fingerprint string, now time.Time) (*scrape.Task, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE owner_id = $1 AND url_fingerprint = $2 AND status IN ('pending', 'processing') AND expires_at > $3
ORDER BY created_at DESC
LIMIT 1`, taskColumns, s.table)
	return s.findOne(ctx, "find active task", query, ownerID, fingerprint, now)
}

// ClaimNextPending claims the owner's oldest unexpired pending task. Rows
// locked by a concurrent claimer are skipped, and the outer status check
// makes the transition a compare-and-swap.
func (s *TaskStore) ClaimNextPending(ctx context.Context, ownerID string, now time.Time) (*scrape.Task, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'processing', claimed_at = $2
WHERE id = (
	SELECT id FROM %s
	WHERE owner_id = $1 AND status = 'pending' AND expires_at > $2
	ORDER BY created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) AND status = 'pending'
RETURNING %s`, s.table, s.table, taskColumns)
	return s.findOne(ctx, "claim task", query, ownerID, now)
}

// Get fetches an owner's task by ID.
func (s *TaskStore) Get(ctx context.Context, ownerID, taskID string) (scrape.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND owner_id = $2`, taskColumns, s.table)
	task, err := s.findOne(ctx, "get task", query, taskID, ownerID)
	if err != nil {
		return scrape.Task{}, err
	}
	if task == nil {
		return scrape.Task{}, fmt.Errorf("get task %s: %w", taskID, scrape.ErrTaskNotFound)
	}
	return *task, nil
}

// List returns the owner's tasks, newest first.
func (s *TaskStore) List(ctx context.Context, ownerID string, filter scrape.ListFilter) ([]scrape.Task, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT %s FROM %s WHERE owner_id = $1`, taskColumns, s.table)
	args := []any{ownerID}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		fmt.Fprintf(&b, ` AND status = $%d`, len(args))
	}
	b.WriteString(` ORDER BY created_at DESC, id DESC`)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]scrape.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Update applies a terminal-state write to a pending or processing row.
// Empty fields keep their stored values. Terminal rows are left untouched
// and yield ErrInvalidTransition.
func (s *TaskStore) Update(ctx context.Context, taskID string, update scrape.TaskUpdate) (scrape.Task, error) {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	result = COALESCE($3, result),
	result_uri = COALESCE($4, result_uri),
	error_message = COALESCE($5, error_message),
	completed_at = COALESCE(completed_at, $6)
WHERE id = $1 AND status IN ('pending', 'processing')
RETURNING %s`, s.table, taskColumns)
	task, err := s.findOne(ctx, "update task", query,
		taskID,
		string(update.Status),
		nullString(update.Result),
		nullString(update.ResultURI),
		nullString(update.ErrorMessage),
		nullTime(update.CompletedAt),
	)
	if err != nil {
		return scrape.Task{}, err
	}
	if task != nil {
		return *task, nil
	}

	var status string
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table), taskID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Task{}, fmt.Errorf("update task %s: %w", taskID, scrape.ErrTaskNotFound)
	}
	if err != nil {
		return scrape.Task{}, fmt.Errorf("update task: %w", err)
	}
	return scrape.Task{}, fmt.Errorf("update task %s is %s: %w", taskID, status, scrape.ErrInvalidTransition)
}

// Delete removes the owner's task. Missing rows are not an error.
func (s *TaskStore) Delete(ctx context.Context, ownerID, taskID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND owner_id = $2`, s.table)
	if _, err := s.pool.Exec(ctx, query, taskID, ownerID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// findOne runs a single-row query; no row yields (nil, nil).
func (s *TaskStore) findOne(ctx context.Context, op, query string, args ...any) (*scrape.Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &task, nil
}

func scanTask(row pgx.Row) (scrape.Task, error) {
	var (
		task         scrape.Task
		status       string
		result       *string
		resultURI    *string
		errorMessage *string
	)
	err := row.Scan(
		&task.ID,
		&task.OwnerID,
		&task.URL,
		&task.Fingerprint,
		&status,
		&result,
		&resultURI,
		&errorMessage,
		&task.CreatedAt,
		&task.ClaimedAt,
		&task.CompletedAt,
		&task.ExpiresAt,
	)
	if err != nil {
		return scrape.Task{}, err //nolint:wrapcheck // callers wrap with the operation name
	}
	task.Status = scrape.Status(status)
	task.Result = deref(result)
	task.ResultURI = deref(resultURI)
	task.ErrorMessage = deref(errorMessage)
	return task, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ scrape.Store = (*TaskStore)(nil)
