package fetch

import (
	"errors"
	"fmt"
)

// ErrPathNotAllowed rejects filesystem targets outside the configured
// allow-list. The message deliberately reveals nothing about the underlying
// filesystem layout.
var ErrPathNotAllowed = errors.New("path is not under an allowed directory")

// FileTooLargeError rejects files over the configured size cap before their
// contents are read.
type FileTooLargeError struct {
	Size     int64
	MaxBytes int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file is %d bytes, exceeds limit of %d bytes", e.Size, e.MaxBytes)
}

// TransientError represents a network/timeout failure that is safe to retry
// at the caller level.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// PermanentError represents a failure that retrying will not fix: malformed
// URLs, policy rejections, 4xx-equivalent responses.
type PermanentError struct {
	err error
}

func (e *PermanentError) Error() string {
	return e.err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.err
}

// NewPermanentError wraps an error as permanent (non-retryable).
func NewPermanentError(err error) error {
	return &PermanentError{err: err}
}

// IsTransient returns true if the error is transient and may be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsPermanent returns true if the error is permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// HTTPError carries a non-success status code from the direct client so the
// fetcher can decide whether to escalate to the browser tier.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d fetching %s", e.StatusCode, e.URL)
}
