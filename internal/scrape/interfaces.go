package scrape

import (
	"context"
	"io"
	"time"
)

// Store persists scrape tasks. Lookup methods return (nil, nil) when nothing
// matches; Get and Update return ErrTaskNotFound for missing rows.
//
// Update is the only terminal write. It must check and write atomically: a
// task that is already terminal is left untouched and ErrInvalidTransition
// is returned, so at most one resolution ever lands per task.
type Store interface {
	Create(ctx context.Context, task Task) error
	FindCachedCompleted(ctx context.Context, ownerID, fingerprint string, notBefore time.Time) (*Task, error)
	FindActive(ctx context.Context, ownerID, fingerprint string, now time.Time) (*Task, error)
	// ClaimNextPending atomically moves the oldest claimable task to processing.
	// Losers of a race get (nil, nil), never an error.
	ClaimNextPending(ctx context.Context, ownerID string, now time.Time) (*Task, error)
	Get(ctx context.Context, ownerID, taskID string) (Task, error)
	List(ctx context.Context, ownerID string, filter ListFilter) ([]Task, error)
	Update(ctx context.Context, taskID string, update TaskUpdate) (Task, error)
	Delete(ctx context.Context, ownerID, taskID string) error
}

// Notifier connects task resolution to observers. The in-process
// implementation lives in internal/notify.
type Notifier interface {
	HasExtension(ownerID string) bool
	AssignToExtension(ownerID string, task AssignedTask) bool
	ResolveTask(taskID string, event TaskEvent)
	// Await registers a one-shot waiter for (ownerID, taskID). cancel must be
	// called once the caller stops waiting.
	Await(ownerID, taskID string) (<-chan TaskEvent, func())
}

// Publisher pushes resolution events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes archived results and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
