package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientFetch is returned when a page fetch fails after the channel has loaded at least once.
	// The phase returns to idle; retrying is up to the caller.
	ErrTransientFetch = errors.New("transient fetch failure")

	// ErrInitialLoad is returned when the channel has never loaded and a fetch fails.
	// The phase becomes error until LoadFirstPage succeeds.
	ErrInitialLoad = errors.New("initial load failed")

	// ErrMalformedEvent marks an event that references inconsistent state. Such events are logged and dropped.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrConcurrencyViolation signals a broken internal invariant (e.g. unordered store). It is a defect, not a runtime condition.
	ErrConcurrencyViolation = errors.New("concurrency violation")

	// ErrNotLoaded is returned by LoadPrevious/LoadNext before a first page exists.
	ErrNotLoaded = errors.New("channel not loaded")

	// ErrMessageNotFound is returned by JumpTo when the target is absent from the fetched page.
	ErrMessageNotFound = errors.New("message not found")

	// ErrClosed is returned when a command reaches a closed channel.
	ErrClosed = errors.New("channel closed")
)

// FetchError wraps a failed page fetch with its classification.
type FetchError struct {
	Op     string
	Anchor Anchor
	Kind   error
	Err    error
}

func (e FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Anchor, e.Kind, e.Err)
}

// Unwrap exposes both the classification sentinel and the underlying cause.
func (e FetchError) Unwrap() []error { return []error{e.Kind, e.Err} }

// EventError describes why an event was dropped.
type EventError struct {
	Kind EventKind
	Msg  string
}

func (e EventError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Kind, ErrMalformedEvent, e.Msg)
}

func (e EventError) Unwrap() error { return ErrMalformedEvent }

// ViolationError reports a failed invariant check.
type ViolationError struct {
	Op     string
	Detail string
}

func (e ViolationError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrConcurrencyViolation, e.Detail)
}

func (e ViolationError) Unwrap() error { return ErrConcurrencyViolation }

// IsTransient reports whether err is a recoverable pagination failure.
func IsTransient(err error) bool { return errors.Is(err, ErrTransientFetch) }

// IsInitialLoad reports whether err is a first-load failure.
func IsInitialLoad(err error) bool { return errors.Is(err, ErrInitialLoad) }

// IsMalformed reports whether err represents a dropped event.
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformedEvent) }
