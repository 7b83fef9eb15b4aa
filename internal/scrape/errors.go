package scrape

import "errors"

// Errors surfaced to callers. Validation errors map to 400, ErrTaskNotFound to 404.
var (
	ErrInvalidURL         = errors.New("invalid url")
	ErrDomainNotAllowed   = errors.New("domain not allowed")
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidTransition  = errors.New("task already resolved")
	ErrInvalidStatusValue = errors.New("status must be completed or failed")
	ErrTaskWaitTimeout    = errors.New("timed out waiting for task")
)

// IsValidation reports whether err should be presented as a bad request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrDomainNotAllowed) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidStatusValue)
}
