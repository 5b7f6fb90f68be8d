package resumable

import (
	"errors"
	"fmt"
)

// ErrRetryLimitExceeded is wrapped into the terminal error when a chunk keeps
// failing past the configured retry limit.
var ErrRetryLimitExceeded = errors.New("retry limit exceeded")

// ErrRetryDeadlineExceeded is wrapped into the terminal error when the total
// retry time budget runs out.
var ErrRetryDeadlineExceeded = errors.New("retry total time limit exceeded")

// ErrUploadIncomplete is returned from Close for a deliberate partial upload:
// the producer finished before ContentLength bytes and the session is left
// open on the server. The wrapping IncompleteError carries the session URI
// needed to resume later.
var ErrUploadIncomplete = errors.New("upload incomplete")

// IncompleteError carries the session URI of a paused resumable upload.
type IncompleteError struct {
	SessionURI string
	Written    int64
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%v: %d bytes confirmed, session %s", ErrUploadIncomplete, e.Written, e.SessionURI)
}

func (e *IncompleteError) Unwrap() error {
	return ErrUploadIncomplete
}

// ChecksumMismatchError is the terminal error for a content integrity
// failure. The mismatched object is left in place and the session URI is
// retained for diagnostics.
type ChecksumMismatchError struct {
	Algorithm  string
	Computed   string
	Reported   string
	SessionURI string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("upload integrity check failed: %s mismatch, computed %s but server reported %s (session %s)",
		e.Algorithm, e.Computed, e.Reported, e.SessionURI)
}
