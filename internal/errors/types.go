// Package errors defines the failure taxonomy of the reminder core and the
// retry helpers built on top of it.
//
// The taxonomy splits failures into the classes the scheduler engine reacts
// to differently: stale events are silently discarded, exhausted optimistic
// commits are surfaced, parse failures become clarification prompts, and
// notification failures are retried outside the state machine.
package errors

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrStaleEvent marks an event whose task is unknown or whose expected
// version no longer matches the stored row. Stale events are the normal
// byproduct of at-least-once webhook delivery and late timer wakes; callers
// discard them as no-ops.
var ErrStaleEvent = errors.New("stale event")

// ErrConcurrencyExhausted is returned when the transactional read-apply-commit
// cycle ran out of retry budget. The task is left in its last committed state.
var ErrConcurrencyExhausted = errors.New("concurrency retry budget exhausted")

// ErrTaskNotFound is returned by stores when no task exists for an ID.
var ErrTaskNotFound = errors.New("task not found")

// ErrReminderNotFound is returned by stores when no reminder exists for an ID.
var ErrReminderNotFound = errors.New("reminder not found")

// ParseFailure reports that the intent collaborator could not extract a
// structured task from the user's text. It carries the clarification question
// to send back; no task is created.
type ParseFailure struct {
	Err           error
	Clarification string
}

func (e *ParseFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse failure: %v", e.Err)
	}
	return "parse failure"
}

func (e *ParseFailure) Unwrap() error { return e.Err }

// NotificationFailure reports a post-commit delivery failure. It never
// re-opens the state machine; the notify queue retries it with backoff and
// eventually marks the reminder row failed.
type NotificationFailure struct {
	Err        error
	ReminderID string
	Attempts   int
}

func (e *NotificationFailure) Error() string {
	return fmt.Sprintf("notification failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NotificationFailure) Unwrap() error { return e.Err }

// IsStale reports whether err is (or wraps) a stale-event discard.
func IsStale(err error) bool { return errors.Is(err, ErrStaleEvent) }

// IsTransient reports whether an error is worth retrying. Version conflicts
// are handled by the engine's own commit loop and are not transient here;
// this classification exists for outbound I/O (notification delivery, parse
// calls, store round-trips).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleEvent) || errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrConcurrencyExhausted) {
		return false
	}
	var pf *ParseFailure
	if errors.As(err, &pf) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() || dnsErr.IsTimeout
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	return false
}

// StatusError carries an HTTP status from an external collaborator so the
// retry layer can classify it without string matching.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	switch e.Code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}
