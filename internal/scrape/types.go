// Package scrape defines the scrape-task model shared across subsystems.
package scrape

import (
	"time"
)

// Status represents the lifecycle state of a scrape task.
type Status string

// Task status values persisted in the task store.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Task is one unit of scrape work scoped to an owner.
type Task struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id" badgerhold:"index"`
	URL          string     `json:"url"`
	Fingerprint  string     `json:"url_fingerprint" badgerhold:"index"`
	Status       Status     `json:"status" badgerhold:"index"`
	Result       string     `json:"result,omitempty"`
	ResultURI    string     `json:"result_uri,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// TaskUpdate is the terminal-state write applied by Store.Update. Zero-valued
// optional fields leave the stored value untouched.
type TaskUpdate struct {
	Status       Status
	Result       string
	ResultURI    string
	ErrorMessage string
	CompletedAt  *time.Time
}

// ListFilter narrows Store.List results.
type ListFilter struct {
	Status *Status
	Limit  int
}

// TaskEvent is pushed to observers when a task changes state.
type TaskEvent struct {
	Type         string `json:"type"`
	TaskID       string `json:"taskId"`
	Status       Status `json:"status"`
	Result       string `json:"result,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// EventTypeTaskUpdate is the wire type of TaskEvent messages.
const EventTypeTaskUpdate = "task_update"

// NewTaskEvent builds the resolution event for t.
func NewTaskEvent(t Task) TaskEvent {
	return TaskEvent{
		Type:         EventTypeTaskUpdate,
		TaskID:       t.ID,
		Status:       t.Status,
		Result:       t.Result,
		ErrorMessage: t.ErrorMessage,
	}
}

// TaskView is the caller-facing representation of a task.
type TaskView struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Status       Status     `json:"status"`
	Result       string     `json:"result,omitempty"`
	ResultURI    string     `json:"resultUri,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ClaimedAt    *time.Time `json:"claimedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	Cached       bool       `json:"cached"`
	Suggestion   string     `json:"suggestion,omitempty"`
}

// Submission is the outcome of RequestScrape.
type Submission struct {
	Task TaskView
	// Created is true when a new row was inserted, false for cache or in-flight hits.
	Created bool
}

// FetchOutcome is the payload returned by RequestScrapeAndWait. A failed
// outcome is still a successful call; callers inspect Status.
type FetchOutcome struct {
	TaskID     string `json:"taskId"`
	URL        string `json:"url"`
	Status     Status `json:"status"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	Cached     bool   `json:"cached"`
}

// ReportInput is what a worker sends when a task resolves.
type ReportInput struct {
	Status       Status
	Result       string
	HTML         string
	ErrorMessage string
}

// AssignedTask is the payload pushed to an extension connection.
type AssignedTask struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
