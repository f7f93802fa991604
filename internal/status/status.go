// Package status defines the error kinds shared by the sync engine, the
// remote service and the local persistence layer.
package status

import (
	"context"
	"errors"
	"fmt"
)

// Code is the kind of an error. The set mirrors the codes returned by the
// document service so that server errors can be carried through unchanged.
type Code int

const (
	OK Code = iota
	Cancelled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var codeNames = map[Code]string{
	OK:                 "ok",
	Cancelled:          "cancelled",
	Unknown:            "unknown",
	InvalidArgument:    "invalid-argument",
	DeadlineExceeded:   "deadline-exceeded",
	NotFound:           "not-found",
	AlreadyExists:      "already-exists",
	PermissionDenied:   "permission-denied",
	ResourceExhausted:  "resource-exhausted",
	FailedPrecondition: "failed-precondition",
	Aborted:            "aborted",
	OutOfRange:         "out-of-range",
	Unimplemented:      "unimplemented",
	Internal:           "internal",
	Unavailable:        "unavailable",
	DataLoss:           "data-loss",
	Unauthenticated:    "unauthenticated",
}

// String returns the wire name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ParseCode maps a wire name back to a Code. Unrecognized names map to Unknown.
func ParseCode(name string) Code {
	for c, n := range codeNames {
		if n == name {
			return c
		}
	}
	return Unknown
}

// Error is an error tagged with a Code.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with code. The original error stays reachable via errors.Unwrap.
func Wrap(code Code, err error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &Error{Code: code, Message: msg, cause: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same code, so callers can
// match on a code with errors.Is(err, status.New(code, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
	}
	return false
}

// CodeOf extracts the code of err. Context errors map onto their codes; any
// other untagged error is Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	}
	return Unknown
}

// IsPermanentError reports whether retrying an RPC that failed with code can
// never succeed.
func IsPermanentError(code Code) bool {
	switch code {
	case OK:
		return false
	case Cancelled, Unknown, DeadlineExceeded, ResourceExhausted, Internal, Unavailable, Unauthenticated:
		return false
	case InvalidArgument, NotFound, AlreadyExists, PermissionDenied, FailedPrecondition,
		Aborted, OutOfRange, Unimplemented, DataLoss:
		return true
	}
	return false
}

// IsPermanentWriteError is IsPermanentError except for Aborted, which the
// write stream treats as a transient conflict.
func IsPermanentWriteError(code Code) bool {
	return IsPermanentError(code) && code != Aborted
}

// IsRetryableTransactionError reports whether a transaction attempt that
// failed with code should be retried from the start.
func IsRetryableTransactionError(code Code) bool {
	switch code {
	case Aborted, FailedPrecondition, AlreadyExists:
		return true
	}
	return !IsPermanentError(code)
}
