// Package failure classifies operation errors into the handling classes
// used by the retry controller and the dead-letter analyzer.
//
// Lane consumers never inspect concrete error types. They ask [Of] for a
// [Class] and route the item accordingly:
//
//   - [Transient]: network, timeout and broker faults. Retried.
//   - [Configuration]: credentials, certificates, tenant not enabled.
//     Retried, then recovered from dead-letter after a long cooldown.
//   - [Permanent]: business or programming faults. Never retried.
//
// Authority-side rejections are permanent failures that also carry the
// [Error.Rejected] flag so the consumer can finalize the document as
// rejected instead of dead-lettering it.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/fiscal"
)

// Class represents how a failure should be handled.
type Class string

const (
	// ClassTransient indicates a retry will likely help.
	ClassTransient Class = "TRANSIENT"

	// ClassConfiguration indicates an operator must fix tenant setup.
	ClassConfiguration Class = "CONFIGURATION"

	// ClassPermanent indicates a retry will not help.
	ClassPermanent Class = "PERMANENT"
)

// String returns the class name.
func (c Class) String() string { return string(c) }

// Retryable reports whether items failing with this class may be retried.
func (c Class) Retryable() bool { return c != ClassPermanent }

// Error wraps an error with its handling class.
type Error struct {
	// Err is the underlying error.
	Err error

	// Class indicates how this error should be handled.
	Class Class

	// Op names the step that failed (for example "transmit").
	Op string

	// Rejected marks a business rejection returned by the authority.
	Rejected bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func wrap(err error, class Class, op string) *Error {
	if err == nil {
		err = errors.New(strings.ToLower(string(class)) + " failure")
	}
	return &Error{Err: err, Class: class, Op: op}
}

// Transient marks err as retryable infrastructure trouble.
func Transient(err error, op string) *Error { return wrap(err, ClassTransient, op) }

// Configuration marks err as a tenant or credential setup problem.
func Configuration(err error, op string) *Error { return wrap(err, ClassConfiguration, op) }

// Permanent marks err as non-retryable.
func Permanent(err error, op string) *Error { return wrap(err, ClassPermanent, op) }

// Rejected marks err as an authority rejection of the document content.
func Rejected(err error, op string) *Error {
	e := wrap(err, ClassPermanent, op)
	e.Rejected = true
	return e
}

// Of determines how a failed operation should be handled. Typed errors
// win, then known sentinels, then message keywords. Messages that match
// nothing are treated as transient so an unknown transmitter fault is
// retried rather than dropped.
func Of(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, fiscal.ErrInvalidTransition),
		errors.Is(err, fiscal.ErrInvalidPayload),
		errors.Is(err, fiscal.ErrInvalidAccessKey),
		errors.Is(err, fiscal.ErrInvalidTaxpayerID),
		errors.Is(err, fiscal.ErrDocumentNotFound):
		return ClassPermanent
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, transientKeywords):
		return ClassTransient
	case containsAny(msg, configurationKeywords):
		return ClassConfiguration
	case containsAny(msg, permanentKeywords):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// IsRejected reports whether err is an authority business rejection.
func IsRejected(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Rejected
}

// IsConflict reports whether err is a concurrent-update conflict that
// should be retried immediately with fresh state.
func IsConflict(err error) bool {
	return errors.Is(err, fiscal.ErrStaleState)
}
