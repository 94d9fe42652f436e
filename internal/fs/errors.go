package fs

import (
	"errors"
	"syscall"
)

// ErrTransient marks an error as retryable. Wrap it (or return an error whose
// Is method matches it) to have RetryFS retry the operation.
var ErrTransient = errors.New("transient storage error")

// ErrInjected is the default error returned by FaultyFS.
var ErrInjected = errors.New("injected fault error")

// IsTransient reports whether err describes a condition that may succeed when retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EINTR, syscall.EAGAIN, syscall.EBUSY:
			return true
		}
		return false
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	return false
}

type transientError struct{ err error }

func (e *transientError) Error() string        { return e.err.Error() }
func (e *transientError) Unwrap() error        { return e.err }
func (e *transientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err so that IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}
