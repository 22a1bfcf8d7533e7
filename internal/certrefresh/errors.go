package certrefresh

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransientNetwork is a fetch failure worth retrying.
	ErrTransientNetwork = errors.New("certrefresh: transient network error")

	// ErrKeyConflict means the API rejected the public key because its
	// fingerprint is bound to another certificate.
	ErrKeyConflict = errors.New("certrefresh: public key fingerprint conflict")

	// ErrCancelled is returned when a refresh is cancelled. Callers should
	// not present it as a failure.
	ErrCancelled = errors.New("certrefresh: cancelled")

	// ErrSessionExpired means the API session is missing or expired.
	ErrSessionExpired = errors.New("certrefresh: session expired or missing")

	// ErrStore wraps credential store failures.
	ErrStore = errors.New("certrefresh: credential store")
)

// TooManyRequestsError is returned when the API throttles us. The engine
// never retries it.
type TooManyRequestsError struct {
	// RetryAfter is the server hint, zero when absent.
	RetryAfter time.Duration
}

func (e *TooManyRequestsError) Error() string {
	if e.RetryAfter <= 0 {
		return "certrefresh: too many certificate requests"
	}
	return fmt.Sprintf("certrefresh: too many certificate requests (retry after %s)", e.RetryAfter)
}
