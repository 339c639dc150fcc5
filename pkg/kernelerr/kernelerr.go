// Package kernelerr defines the error kind taxonomy shared by every
// component (spec.md §7) and renders it at the HTTP edge as an RFC 7807
// Problem Detail, matching the existing codebase's ProblemDetail
// convention. Components never construct an HTTP response directly; they
// return a *Error, and pkg/api is the only place that knows how to turn
// one into bytes on the wire.
package kernelerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds named in spec.md §7.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindUnauthenticated   Kind = "UnauthenticatedError"
	KindForbidden         Kind = "ForbiddenError"
	KindNotFound          Kind = "NotFoundError"
	KindConflict          Kind = "ConflictError"
	KindSignerUnavailable Kind = "SignerUnavailable"
	KindChainIntegrity    Kind = "ChainIntegrityError"
	KindPolicyDenied      Kind = "PolicyDenied"
	KindInternal          Kind = "Internal"
)

// Error is the error type every kernel component returns. Kind drives both
// HTTP status mapping and Coordinator retry policy (spec.md §7:
// "the Coordinator recovers only SignerUnavailable ... and ConflictError
// caused by duplicate approvals").
type Error struct {
	Kind      Kind
	Message   string
	PolicyID  string // set only for KindPolicyDenied
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind == KindSignerUnavailable}
}

// Wrap constructs an Error of the given kind around a lower-level cause,
// preserving it for %w-style introspection while keeping the message
// actor-safe.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind == KindSignerUnavailable, cause: cause}
}

// PolicyDenied constructs the PolicyDenied kind, which carries policy_id
// and rationale per spec.md §7.
func PolicyDenied(policyID, rationale string) *Error {
	return &Error{Kind: KindPolicyDenied, Message: rationale, PolicyID: policyID}
}

// As reports whether err (or something it wraps) is a *Error, populating
// target the way errors.As would.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// HTTPStatus maps a Kind onto the status code pkg/api writes.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindSignerUnavailable:
		return http.StatusServiceUnavailable
	case KindChainIntegrity:
		return http.StatusInternalServerError
	case KindPolicyDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
