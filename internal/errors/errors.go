package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies a class of failure. Codes are stable and are exposed
// to API clients as the "type" of an error body.
type Code string

const (
	CodeUnsupportedSource Code = "unsupportedSource"
	CodeFetch             Code = "fetchError"
	CodeBuildExecution    Code = "buildExecutionError"
	CodeRegistration      Code = "registrationError"
	CodePersistence       Code = "persistenceError"
	CodeConflict          Code = "conflict"
	CodeNotFound          Code = "doesNotExist"
	CodeInvalidRequest    Code = "invalidRequest"
	CodeForbidden         Code = "forbidden"
	CodeCancelled         Code = "cancelled"
	CodeTimeout           Code = "timeout"
)

var messages = map[Code]string{
	CodeUnsupportedSource: "unsupported source",
	CodeFetch:             "could not fetch source",
	CodeBuildExecution:    "image build failed",
	CodeRegistration:      "could not register template",
	CodePersistence:       "storage failure",
	CodeConflict:          "a build with this name is already active",
	CodeNotFound:          "does not exist",
	CodeInvalidRequest:    "invalid request",
	CodeForbidden:         "forbidden",
	CodeCancelled:         "build cancelled",
	CodeTimeout:           "build timed out",
}

// Sentinels for errors.Is comparisons. Any *Error with the same Code matches.
var (
	ErrUnsupportedSource = New(CodeUnsupportedSource)
	ErrFetch             = New(CodeFetch)
	ErrBuildExecution    = New(CodeBuildExecution)
	ErrRegistration      = New(CodeRegistration)
	ErrPersistence       = New(CodePersistence)
	ErrConflict          = New(CodeConflict)
	ErrNotFound          = New(CodeNotFound)
	ErrInvalidRequest    = New(CodeInvalidRequest)
	ErrForbidden         = New(CodeForbidden)
	ErrCancelled         = New(CodeCancelled)
	ErrTimeout           = New(CodeTimeout)
)

// Error is a classified failure with an optional cause.
type Error struct {
	Code    Code   `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error for code. The first detail, if any, is kept as
// additional context.
func New(code Code, details ...string) *Error {
	msg, ok := messages[code]
	if !ok {
		msg = string(code)
	}

	err := &Error{
		Code:    code,
		Message: msg,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// Newf is New with a formatted detail.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap classifies err under code. The cause's text is appended to the
// details so that Error() carries the full chain.
func Wrap(code Code, err error, details ...string) *Error {
	e := New(code, details...)
	if err == nil {
		return e
	}
	e.Err = err
	if e.Details == "" {
		e.Details = err.Error()
	} else {
		e.Details = fmt.Sprintf("%s: %s", e.Details, err.Error())
	}
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" when
// err is unclassified.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}
