// Package pipeline holds the worker pipeline's error taxonomy and the pure
// normalize/diff transforms shared by the worker and its tests.
package pipeline

import (
	"errors"
	"fmt"
)

// TransientError wraps a failure for which retrying has a plausible chance
// of success: network failures, non-2xx collaborator responses, subprocess
// failures, temporary file-explorer unavailability. The queue reschedules
// jobs that fail with a TransientError per its backoff policy.
type TransientError struct {
	cause error
}

func Transient(cause error) *TransientError { return &TransientError{cause: cause} }

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.cause) }
func (e *TransientError) Unwrap() error { return e.cause }

// PermanentError wraps a failure for which retrying cannot help: missing
// required metadata, a model response with no content or invalid JSON. The
// queue discards a job that fails with a PermanentError; no further
// retries are attempted.
type PermanentError struct {
	cause error
}

func Permanent(cause error) *PermanentError { return &PermanentError{cause: cause} }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.cause) }
func (e *PermanentError) Unwrap() error { return e.cause }

// IsTransient reports whether err (or something it wraps) is a
// TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err (or something it wraps) is a
// PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
