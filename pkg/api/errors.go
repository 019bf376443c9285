package api

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code string

const (
	CodeNotFound      Code = "NOT_FOUND"
	CodeDataIntegrity Code = "DATA_INTEGRITY"
	CodeTransientIO   Code = "TRANSIENT_IO"
	CodeValidation    Code = "VALIDATION"
	CodeInternal      Code = "INTERNAL"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func DataIntegrity(msg string) error {
	return New(CodeDataIntegrity, msg)
}

func Transient(msg string, cause error) error {
	return Wrap(CodeTransientIO, msg, cause)
}

func Validation(msg string) error {
	return New(CodeValidation, msg)
}

// CodeOf returns the taxonomy code carried by err, or CodeInternal when err
// does not carry one.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func IsNotFound(err error) bool      { return err != nil && CodeOf(err) == CodeNotFound }
func IsDataIntegrity(err error) bool { return err != nil && CodeOf(err) == CodeDataIntegrity }
func IsTransient(err error) bool     { return err != nil && CodeOf(err) == CodeTransientIO }
func IsValidation(err error) bool    { return err != nil && CodeOf(err) == CodeValidation }

// FromStatus classifies an error returned by a gRPC-backed client such as
// Firestore. Errors that already carry a code are returned unchanged.
func FromStatus(err error, msg string) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return Wrap(CodeNotFound, msg, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted, codes.Internal:
		return Wrap(CodeTransientIO, msg, err)
	case codes.InvalidArgument:
		return Wrap(CodeValidation, msg, err)
	default:
		return Wrap(CodeInternal, msg, err)
	}
}

// ErrorOf converts err into the wire form sent to clients.
func ErrorOf(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return &Error{Code: appErr.Code, Message: appErr.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
