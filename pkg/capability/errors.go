package capability

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// TransientError marks a failure as retryable: timeouts, transient I/O,
// rate limiting. Anything not wrapped in it is treated as a semantic or
// validation failure and fails the task on first attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf is a convenience for building a retryable error in place.
func Transientf(format string, args ...interface{}) error {
	return &TransientError{Err: errors.Errorf(format, args...)}
}

// IsRetryable classifies a capability error. Transient failures and
// deadline expiry retry; context cancellation does not, since the caller
// has asked the whole run to stop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
