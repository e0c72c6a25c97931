// Package apierror defines the coded errors returned to callers of the adapter.
package apierror

import (
	"errors"
	"fmt"
)

// Code is a numeric error code understood by object-store clients.
type Code int

const (
	InternalServerError Code = 1
	ObjectNotFound      Code = 101
	InvalidQuery        Code = 102
	InvalidJSON         Code = 107
	OperationForbidden  Code = 119
	InvalidNestedKey    Code = 121
	DuplicateValue      Code = 137
)

var codeNames = map[Code]string{
	InternalServerError: "InternalServerError",
	ObjectNotFound:      "ObjectNotFound",
	InvalidQuery:        "InvalidQuery",
	InvalidJSON:         "InvalidJSON",
	OperationForbidden:  "OperationForbidden",
	InvalidNestedKey:    "InvalidNestedKey",
	DuplicateValue:      "DuplicateValue",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a coded, caller-facing error.
type Error struct {
	Code    Code
	Message string
	// DuplicatedField names the field behind a unique index violation, when known.
	DuplicatedField string
	Err             error
}

// Sentinels for errors.Is checks; they match any Error with the same code.
var (
	ErrObjectNotFound     = &Error{Code: ObjectNotFound}
	ErrInvalidQuery       = &Error{Code: InvalidQuery}
	ErrInvalidJSON        = &Error{Code: InvalidJSON}
	ErrOperationForbidden = &Error{Code: OperationForbidden}
	ErrInvalidNestedKey   = &Error{Code: InvalidNestedKey}
	ErrDuplicateValue     = &Error{Code: DuplicateValue}
	ErrInternal           = &Error{Code: InternalServerError}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// New returns an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error carrying the underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf reports the code of the first Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return 0, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
