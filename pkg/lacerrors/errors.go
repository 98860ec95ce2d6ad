// Package lacerrors classifies runtime errors so callers can decide whether
// to retry, surface, or swallow them without string matching.
package lacerrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the coarse classification attached to an error.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindAuthentication       Kind = "authentication"
	KindTransient            Kind = "transient"
	KindCancellation         Kind = "cancellation"
	KindToolExecution        Kind = "tool_execution"
	KindStorage              Kind = "storage"
	KindConfigurationMissing Kind = "configuration_missing"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a classification and context message to err.
func Wrap(kind Kind, message string, err error) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the classification of err, walking the wrap chain.
// Unclassified errors report an empty Kind, except context cancellation
// and deadline errors which report KindCancellation.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancellation
	}
	return ""
}

// IsCancellation reports whether err stems from an aborted or timed-out
// operation.
func IsCancellation(err error) bool {
	return KindOf(err) == KindCancellation
}

// IsAuthentication reports whether err is a credential failure.
func IsAuthentication(err error) bool {
	return KindOf(err) == KindAuthentication
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
