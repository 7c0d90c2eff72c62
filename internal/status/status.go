// Package status defines the error taxonomy shared by the router, endpoints and
// transport. Every error that reaches a client is reduced to a numeric status
// and a human-readable message.
package status

import (
	"errors"
	"fmt"
)

// Status codes carried on outbound frames.
const (
	OK                 = 200
	Created            = 201
	BadRequestCode     = 400
	NotFoundCode       = 404
	InternalCode       = 500
	VersionUnsupported = 505
)

// Class groups errors by how they should be reported.
type Class int

const (
	ClassNotFound Class = iota
	ClassBadRequest
	ClassHandler
	ClassVersion
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassNotFound:
		return "not_found"
	case ClassBadRequest:
		return "bad_request"
	case ClassHandler:
		return "handler_error"
	case ClassVersion:
		return "version_mismatch"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound        = errors.New("not found")
	ErrBadRequest      = errors.New("bad request")
	ErrHandler         = errors.New("handler failed")
	ErrVersionMismatch = errors.New("unsupported version")
)

// Error carries a status code alongside the underlying cause.
type Error struct {
	Class   Class
	Code    int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Class.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode reports the frame status for this error.
func (e *Error) StatusCode() int {
	return e.Code
}

// Is matches the class sentinel so callers can use errors.Is(err, ErrNotFound).
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Class == ClassNotFound
	case ErrBadRequest:
		return e.Class == ClassBadRequest
	case ErrHandler:
		return e.Class == ClassHandler
	case ErrVersionMismatch:
		return e.Class == ClassVersion
	}
	return false
}

// NotFound reports a missing route or missing data.
func NotFound(format string, args ...any) *Error {
	return &Error{Class: ClassNotFound, Code: NotFoundCode, Message: fmt.Sprintf(format, args...)}
}

// BadRequest reports a malformed verb, argument or registration.
func BadRequest(format string, args ...any) *Error {
	return &Error{Class: ClassBadRequest, Code: BadRequestCode, Message: fmt.Sprintf(format, args...)}
}

// VersionMismatch reports a frame whose protocol version is not supported.
func VersionMismatch(got string) *Error {
	return &Error{
		Class:   ClassVersion,
		Code:    VersionUnsupported,
		Message: "unsupported version",
		Err:     fmt.Errorf("protocol version %q", got),
	}
}

// HandlerError wraps a failure raised by a bound handler. The original message
// is preserved, and so is the original status when the cause carries one.
func HandlerError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	code := InternalCode
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) && coded.StatusCode() > 0 {
		code = coded.StatusCode()
	}
	return &Error{Class: ClassHandler, Code: code, Message: err.Error(), Err: err}
}

// Code returns the status code for err: 200 for nil, the code of any error
// exposing StatusCode, and 500 otherwise.
func Code(err error) int {
	if err == nil {
		return OK
	}
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) && coded.StatusCode() > 0 {
		return coded.StatusCode()
	}
	return InternalCode
}

// IsNotFound reports whether err is a NotFound condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBadRequest reports whether err is a BadRequest condition.
func IsBadRequest(err error) bool {
	return errors.Is(err, ErrBadRequest)
}
