package antfetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrHandleClosed is returned when a closed handle is used.
	ErrHandleClosed = errors.New("antfetch: handle is closed")

	// ErrNoFetch is returned when a handle is used without BeginFetch.
	ErrNoFetch = errors.New("antfetch: no fetch in progress")

	// ErrFetchInProgress is returned by BeginFetch when the
	// previous fetch was not done.
	ErrFetchInProgress = errors.New("antfetch: fetch already in progress")

	// ErrNoResponse is returned by Body before a response was received.
	ErrNoResponse = errors.New("antfetch: no response")
)

// ErrCapacity is the internal error of a bin without room.
//
// It never escapes Acquire, it makes it wait for a
// handle to be closed and try again.
var errCapacity = errors.New("antfetch: capacity unavailable")

// IntervalError is the internal error of a bin whose minimum
// interval between fetches did not elapse yet.
type intervalError struct {
	wait time.Duration
}

// Error implementation.
func (err *intervalError) Error() string {
	return fmt.Sprintf("antfetch: interval not elapsed, wait %s", err.wait)
}

// TransportError represents a failure of the underlying transport.
//
// The handle that failed is destroyed when it is closed, the
// caller may retry the whole fetch with a new handle.
type TransportError struct {
	Target Target
	Op     string
	Err    error
}

// Error implementation.
func (err *TransportError) Error() string {
	return fmt.Sprintf("antfetch: %s %s - %s", err.Op, err.Target, err.Err)
}

// Unwrap implementation.
func (err *TransportError) Unwrap() error {
	return err.Err
}

// Temporary implementation.
func (err *TransportError) Temporary() bool {
	return true
}

// ConfigError represents a programming error in the
// way a broker is called.
type ConfigError struct {
	Target Target
	Bins   []string
	Reason string
}

// Error implementation.
func (err *ConfigError) Error() string {
	return fmt.Sprintf("antfetch: bad configuration for %s [%s] - %s",
		err.Target,
		strings.Join(err.Bins, ", "),
		err.Reason,
	)
}

// IsCanceled returns true if err is a cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsTemporary returns true if the error is temporary.
func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
