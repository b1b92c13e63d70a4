package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned to a client wraps exactly one of them.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrCapacity      = errors.New("capacity error")
	ErrTransient     = errors.New("transient infrastructure error")
	ErrRateLimited   = errors.New("rate limited")
)

// Error codes sent in error frames.
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeVoiceRoomFull = "VOICE_ROOM_FULL"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Error is a command failure that is reported to the requesting connection only.
type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation reports a malformed or out-of-range command.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidation, Code: ErrCodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports a command from a connection that is not a member of its target.
func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrAuthorization, Code: ErrCodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// Capacity reports a full voice room.
func Capacity(max int) *Error {
	return &Error{Kind: ErrCapacity, Code: ErrCodeVoiceRoomFull, Message: fmt.Sprintf("voice room is full (max %d participants)", max)}
}

// Transient reports a failed cache, store or bus call. The command was abandoned.
func Transient(message string, err error) *Error {
	return &Error{Kind: ErrTransient, Code: ErrCodeInternalError, Message: message, Err: err}
}

// RateLimited reports a connection sending commands faster than allowed.
func RateLimited() *Error {
	return &Error{Kind: ErrRateLimited, Code: ErrCodeRateLimited, Message: "too many commands, slow down"}
}

// AsError converts any error into an *Error. Unknown errors are transient.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Transient("internal error", err)
}
