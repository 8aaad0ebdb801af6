package couchbase

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// ErrorCode is a high-level error category.
type ErrorCode string

const (
	ErrCodeUnknownHost    ErrorCode = "unknown host"
	ErrCodeNoServerForKey ErrorCode = "no server for key"
	ErrCodeInvalidArgument ErrorCode = "invalid argument"
	ErrCodeKeyTooLong     ErrorCode = "key too long"
	ErrCodeValueTooLarge  ErrorCode = "value too large"
	ErrCodeNotConnected   ErrorCode = "not connected"
	ErrCodeNetwork        ErrorCode = "network error"
	ErrCodeProtocol       ErrorCode = "protocol error"
	ErrCodeAuth           ErrorCode = "authentication failed"
	ErrCodeReactor        ErrorCode = "reactor failure"
)

// Error is a structured client error with the failing operation, the
// server it concerns (empty for instance-level errors) and an optional
// kernel errno.
type Error struct {
	Op     string        // operation that failed (e.g. "mget", "connect")
	Server string        // "host:port" of the server, if applicable
	Code   ErrorCode     // high-level category
	Errno  syscall.Errno // kernel errno (0 if not applicable)
	Msg    string        // human-readable message
	Inner  error         // wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Server != "" {
		parts = append(parts, fmt.Sprintf("server=%s", e.Server))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("couchbase: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("couchbase: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches on the error category.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// newError creates an instance-level error.
func newError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// newServerError creates an error scoped to one server.
func newServerError(op, server string, code ErrorCode, inner error) *Error {
	e := &Error{Op: op, Server: server, Code: code, Inner: inner}
	if inner != nil {
		e.Msg = inner.Error()
		var errno syscall.Errno
		if errors.As(inner, &errno) {
			e.Errno = errno
		}
	}
	return e
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
