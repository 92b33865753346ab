// Package apperr is the error taxonomy shared by the write and read sides.
package apperr

import "errors"

type Kind string

const (
	KindInvalidInput     Kind = "INVALID_INPUT"
	KindInvalidParameter Kind = "INVALID_PARAMETER"
	KindNotFound         Kind = "NOT_FOUND"
	KindConflict         Kind = "CONFLICT"
	KindUnauthorized     Kind = "UNAUTHORIZED"
	KindInternal         Kind = "INTERNAL_ERROR"
)

// Error is a classified failure. Field names the offending input, if any.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func InvalidInput(field, message string) *Error {
	return &Error{Kind: KindInvalidInput, Field: field, Message: message}
}

func InvalidParameter(field, message string) *Error {
	return &Error{Kind: KindInvalidParameter, Field: field, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when the chain holds none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// FieldOf returns the offending field of the first *Error in err's chain.
func FieldOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
