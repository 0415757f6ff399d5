package cache

import (
	"errors"
	"fmt"
)

// EntryTooLargeError reports a Set whose single payload exceeds the store's
// configured byte cap. No amount of eviction can make such an entry fit.
type EntryTooLargeError struct {
	Key      string
	Size     int64
	MaxBytes int64
}

func (e *EntryTooLargeError) Error() string {
	return fmt.Sprintf("cache entry %q (%d bytes) exceeds store cap (%d bytes)", e.Key, e.Size, e.MaxBytes)
}

// StoreUnavailableError reports an I/O failure on the backing store. Callers
// must treat it as "always miss": caching is an optimization, never a
// correctness dependency.
type StoreUnavailableError struct {
	err error
}

func (e *StoreUnavailableError) Error() string {
	return "cache store unavailable: " + e.err.Error()
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.err
}

// NewStoreUnavailableError wraps an I/O error from the backing store.
func NewStoreUnavailableError(err error) error {
	return &StoreUnavailableError{err: err}
}

// IsEntryTooLarge returns true if the error is an EntryTooLargeError.
func IsEntryTooLarge(err error) bool {
	var tooLarge *EntryTooLargeError
	return errors.As(err, &tooLarge)
}

// IsStoreUnavailable returns true if the error is a StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var unavailable *StoreUnavailableError
	return errors.As(err, &unavailable)
}
