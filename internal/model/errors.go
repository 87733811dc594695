package model

import (
	"errors"
	"net/http"
)

type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindQuota      ErrorKind = "quota"
	KindUpstream   ErrorKind = "upstream"
	KindInternal   ErrorKind = "internal"
)

// Error carries a stable wire code. errors.Is matches on Code so wrapped
// copies still compare equal to the sentinels below.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// WithMessage returns a copy of e with a caller-facing message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindQuota:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrMissingToken       = &Error{Kind: KindValidation, Code: "MISSING_TOKEN", Message: "token query parameter is required"}
	ErrInvalidToken       = &Error{Kind: KindAuth, Code: "INVALID_TOKEN", Message: "token is invalid or expired"}
	ErrInvalidPayload     = &Error{Kind: KindAuth, Code: "INVALID_PAYLOAD", Message: "token claims are incomplete"}
	ErrTooManySessions    = &Error{Kind: KindQuota, Code: "TOO_MANY_SESSIONS", Message: "too many active sessions for this address"}
	ErrTokenLimitExceeded = &Error{Kind: KindQuota, Code: "TOKEN_LIMIT_EXCEEDED", Message: "session token limit reached"}
	ErrRateLimited        = &Error{Kind: KindQuota, Code: "RATE_LIMITED", Message: "too many requests"}
	ErrNoSession          = &Error{Kind: KindAuth, Code: "NO_SESSION", Message: "connection is not bound to a live session"}
	ErrEmptyMessage       = &Error{Kind: KindValidation, Code: "EMPTY_MESSAGE", Message: "Empty message"}
	ErrInvalidMessage     = &Error{Kind: KindValidation, Code: "INVALID_MESSAGE", Message: "message is not valid JSON"}
	ErrInvalidHistory     = &Error{Kind: KindValidation, Code: "INVALID_HISTORY", Message: "history is malformed"}
	ErrUpstream           = &Error{Kind: KindUpstream, Code: "UPSTREAM_ERROR", Message: "inference request failed"}
	ErrInternal           = &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: "internal error"}
)

// AsError returns err as *Error, falling back to ErrInternal wrapping err.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal.Wrap(err)
}
