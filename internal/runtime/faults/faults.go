// Package faults translates transport failures into a closed set of
// classified errors, each tagged as retryable or not.
package faults

import (
	"errors"
	"fmt"
)

// Kind enumerates transport failure categories.
type Kind int

const (
	Uncategorized Kind = iota
	Timeout
	NotFound
	NotAllowed
	Unauthorized
	ServerBusy
	QuotaExceeded
	MessageSizeExceeded
	SessionCannotBeLocked
	EntityAlreadyExists
	MessageLockLost
	CommunicationError
	Canceled
)

var kindNames = map[Kind]string{
	Uncategorized:         "Uncategorized",
	Timeout:               "Timeout",
	NotFound:              "NotFound",
	NotAllowed:            "NotAllowed",
	Unauthorized:          "Unauthorized",
	ServerBusy:            "ServerBusy",
	QuotaExceeded:         "QuotaExceeded",
	MessageSizeExceeded:   "MessageSizeExceeded",
	SessionCannotBeLocked: "SessionCannotBeLocked",
	EntityAlreadyExists:   "EntityAlreadyExists",
	MessageLockLost:       "MessageLockLost",
	CommunicationError:    "CommunicationError",
	Canceled:              "Canceled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Retryable reports the default retry decision for the kind.
func (k Kind) Retryable() bool {
	switch k {
	case Timeout, ServerBusy, SessionCannotBeLocked, CommunicationError:
		return true
	default:
		return false
	}
}

// ClassifiedError is a transport failure with its category and retry
// decision. Cause keeps the original error.
type ClassifiedError struct {
	Kind     Kind
	CanRetry bool
	Cause    error
}

// New returns a ClassifiedError using the kind's default retry decision.
func New(kind Kind, cause error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, CanRetry: kind.Retryable(), Cause: cause}
}

func (e *ClassifiedError) Error() string {
	if e.Cause == nil {
		return "herlink: " + e.Kind.String()
	}
	return fmt.Sprintf("herlink: %s: %v", e.Kind, e.Cause)
}

func (e *ClassifiedError) Unwrap() error { return e.Cause }

// Is matches another ClassifiedError of the same kind, so callers can test
// errors.Is(err, faults.New(faults.Timeout, nil)).
func (e *ClassifiedError) Is(target error) bool {
	var other *ClassifiedError
	if errors.As(target, &other) {
		return other.Kind == e.Kind && other.Cause == nil
	}
	return false
}

// KindOf returns the kind of the first ClassifiedError in err's chain, or
// Uncategorized.
func KindOf(err error) Kind {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return Uncategorized
}

// IsRetryable reports whether err classifies as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).CanRetry
}
