package scrape

import (
	"fmt"
	"time"
)

// ProcessingTimeoutMessage is recorded when a claimed task is failed lazily
// because its worker never reported back.
const ProcessingTimeoutMessage = "processing timed out: the extension stopped responding before reporting a result"

// Diagnostic suggestions returned alongside task views.
const (
	SuggestionNoExtension      = "No browser extension detected. Install the extension and sign in so it can pick up scrape tasks."
	SuggestionExtensionIdle    = "The extension is connected but has not picked up this task yet. Try reloading the extension."
	SuggestionExtensionDropped = "The extension disconnected mid-scrape. Keep the browser open until the scrape finishes, then retry."
	SuggestionExpired          = "The task expired before any extension claimed it. Check that the extension is installed and running, then retry."
	SuggestionWaitTimeout      = "Install the extension and keep it running: no result arrived before the wait limit."
)

// Timeouts bounds task staleness.
type Timeouts struct {
	// TaskTTL bounds how long a pending task stays claimable.
	TaskTTL time.Duration
	// CacheTTL bounds reuse of completed results.
	CacheTTL time.Duration
	// ProcessingTimeout fails claimed tasks that never report.
	ProcessingTimeout time.Duration
	// PendingStall is how long a pending task waits before a suggestion is shown.
	PendingStall time.Duration
}

// DefaultTimeouts mirrors the configuration defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		TaskTTL:           time.Hour,
		CacheTTL:          24 * time.Hour,
		ProcessingTimeout: 5 * time.Minute,
		PendingStall:      30 * time.Second,
	}
}

// DeriveEffectiveState applies the time-based transitions to task as observed
// at now. It returns the possibly updated task and whether a transition fired.
func DeriveEffectiveState(task Task, now time.Time, timeouts Timeouts) (Task, bool) {
	switch task.Status {
	case StatusPending:
		if now.After(task.ExpiresAt) {
			task.Status = StatusExpired
			return task, true
		}
	case StatusProcessing:
		if timeouts.ProcessingTimeout <= 0 || task.ClaimedAt == nil {
			return task, false
		}
		if now.Sub(*task.ClaimedAt) > timeouts.ProcessingTimeout {
			completed := now
			task.Status = StatusFailed
			task.ErrorMessage = ProcessingTimeoutMessage
			task.CompletedAt = &completed
			return task, true
		}
	}
	return task, false
}

// ValidateReport checks that a worker may move current to status.
// current must already reflect DeriveEffectiveState.
func ValidateReport(current Task, status Status) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("%w: got %q", ErrInvalidStatusValue, status)
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, current.ID, current.Status)
	}
	return nil
}

// Suggest explains why a task is stuck. It returns "" when nothing looks wrong.
func Suggest(task Task, now time.Time, extensionOnline bool, timeouts Timeouts) string {
	switch task.Status {
	case StatusPending:
		if now.Sub(task.CreatedAt) <= timeouts.PendingStall {
			return ""
		}
		if !extensionOnline {
			return SuggestionNoExtension
		}
		return SuggestionExtensionIdle
	case StatusProcessing:
		if task.ClaimedAt != nil && timeouts.ProcessingTimeout > 0 &&
			now.Sub(*task.ClaimedAt) > timeouts.ProcessingTimeout {
			return SuggestionExtensionDropped
		}
	case StatusFailed:
		if task.ErrorMessage == ProcessingTimeoutMessage {
			return SuggestionExtensionDropped
		}
	case StatusExpired:
		return SuggestionExpired
	}
	return ""
}
