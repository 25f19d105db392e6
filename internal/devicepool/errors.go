package devicepool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error kinds surfaced to callers. A *CommandError unwraps to exactly one of these, so
// errors.Is(err, ErrQueueFull) and friends work on anything SendCommand returns.
var (
	// ErrConfigNotFound means no router configuration could be resolved for the tenant and
	// selector. Never retried.
	ErrConfigNotFound = errors.New("router configuration not found")

	// ErrAuthFailure means the router rejected the credentials. Never retried.
	ErrAuthFailure = errors.New("router authentication failed")

	// ErrConnectTimeout means dialing or logging in did not finish before the connect deadline.
	ErrConnectTimeout = errors.New("router connect timed out")

	// ErrCommandTimeout means a command did not complete before its deadline.
	ErrCommandTimeout = errors.New("router command timed out")

	// ErrTransient covers connection resets and malformed or partial replies.
	ErrTransient = errors.New("transient router protocol error")

	// ErrDeviceRejected means the router answered with a trap: the session is healthy but the
	// command itself was refused (bad arguments, duplicate entry). Never retried.
	ErrDeviceRejected = errors.New("router rejected command")

	// ErrQueueFull is the admission-control rejection: the entry already holds the maximum
	// number of pending commands.
	ErrQueueFull = errors.New("router busy: command queue full")

	// ErrCatastrophicDesync is the escalation reason used when protocol desynchronization
	// errors exceed the watchdog threshold.
	ErrCatastrophicDesync = errors.New("router protocol desynchronized")

	// ErrPoolClosed is returned once Shutdown has started.
	ErrPoolClosed = errors.New("device pool is shut down")

	// ErrDuplicatePoll is returned when a poll name is already registered on the entry.
	ErrDuplicatePoll = errors.New("poll already registered")
)

// errEntryEvicted is internal: the entry was evicted between lookup and enqueue, and the
// caller should resolve a fresh one.
var errEntryEvicted = errors.New("pool entry evicted")

// CommandError describes a failed SendCommand call.
type CommandError struct {
	Kind     error // one of the Err* kinds above
	TenantID string
	Host     string
	Port     int
	Path     string
	Attempts int
	Err      error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Kind, e.Path)
	if e.Host != "" {
		fmt.Fprintf(&b, " on %s:%d", e.Host, e.Port)
	}
	fmt.Fprintf(&b, " (tenant %s", e.TenantID)
	if e.Attempts > 0 {
		fmt.Fprintf(&b, ", %d attempt(s)", e.Attempts)
	}
	b.WriteString(")")
	if e.Err != nil && e.Err != e.Kind {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause to errors.Is / errors.As.
func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the error kind of err, or nil if err did not come from the pool.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrQueueFull, ErrConfigNotFound, ErrAuthFailure, ErrConnectTimeout,
		ErrCommandTimeout, ErrDeviceRejected, ErrTransient, ErrPoolClosed, ErrCatastrophicDesync,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// classify maps an attempt error to its kind. Errors that carry no kind are matched
// against the configured authentication pattern, then treated as timeouts or transient.
func (p *Pool) classify(err error) error {
	if kind := KindOf(err); kind != nil && kind != ErrPoolClosed {
		return kind
	}
	if p.opts.AuthErrorPattern != nil && p.opts.AuthErrorPattern.MatchString(err.Error()) {
		return ErrAuthFailure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCommandTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrCommandTimeout
	}
	return ErrTransient
}

// retryable reports whether another attempt could help.
func retryable(kind error) bool {
	switch kind {
	case ErrAuthFailure, ErrConfigNotFound, ErrDeviceRejected, ErrQueueFull, ErrPoolClosed:
		return false
	}
	return true
}

// isEmptyReply reports whether err is really a router saying "nothing to return".
func (p *Pool) isEmptyReply(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range p.opts.EmptyReplyMarkers {
		if marker != "" && strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
