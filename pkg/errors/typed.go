package errors

import (
	"errors"
	"fmt"
)

// ChecksumMismatchError reports a digest verification failure. It carries
// both digests so callers can show what was expected against what arrived.
type ChecksumMismatchError struct {
	Algorithm string
	Expected  string
	Actual    string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch (%s): expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

// Is makes the error match ErrChecksumMismatch under errors.Is.
func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// InsufficientSpaceError reports that the destination volume cannot hold the
// expected payload plus the safety margin.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space on %s: need %d bytes, %d available", e.Path, e.RequiredBytes, e.AvailableBytes)
}

// Is makes the error match ErrInsufficientSpace under errors.Is.
func (e *InsufficientSpaceError) Is(target error) bool {
	return target == ErrInsufficientSpace
}

// TransientFetchError marks a failure worth retrying (network hiccups,
// timeouts, 5xx responses). The executor's retry policy keys off this type.
type TransientFetchError struct {
	Cause error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure: %v", e.Cause)
}

func (e *TransientFetchError) Unwrap() error { return e.Cause }

// Is makes the error match ErrTransientFetch under errors.Is.
func (e *TransientFetchError) Is(target error) bool {
	return target == ErrTransientFetch
}

// Transient wraps err so the retry policy treats it as retryable. A nil err
// stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientFetchError{Cause: err}
}

// IsTransient reports whether err should consume retry budget rather than
// abort the fetch.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFetch)
}
