package interfaces

import (
	"errors"
	"fmt"
)

// ErrorKind classifies recovery protocol failures. Handlers map kinds to HTTP
// status codes; callers branch on kinds rather than error strings.
type ErrorKind string

const (
	// KindNotFound covers unknown users, challenges, configs, and approval
	// tokens. Deliberately distinct from KindTimeout so clients can tell
	// "never existed" from "expired".
	KindNotFound ErrorKind = "not_found"

	// KindPreconditionFailed covers recovery not configured, insufficient
	// guardians, a two-factor guardian whose 2FA setup was removed, and a
	// challenge that is not yet approved.
	KindPreconditionFailed ErrorKind = "precondition_failed"

	// KindTooManyRequests is the recovery-start rate limit.
	KindTooManyRequests ErrorKind = "too_many_requests"

	// KindTimeout is an expired approval token or expired challenge.
	KindTimeout ErrorKind = "timeout"

	// KindUnauthorized covers inactive guardians, invalid 2FA or backup
	// codes, and context-token/user mismatches.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindBadRequest covers malformed wrapper payloads and credential-type
	// mismatches.
	KindBadRequest ErrorKind = "bad_request"

	// KindInternal covers signing-coordinator and storage failures.
	KindInternal ErrorKind = "internal_error"
)

// Error is a classified recovery protocol error.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error returns the underlying error message.
func (e *Error) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped error for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error from a format string.
func E(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapErr classifies an existing error, preserving it for unwrapping.
func WrapErr(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors, including
// raw storage errors, report KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
